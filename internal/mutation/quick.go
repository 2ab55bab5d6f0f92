package mutation

import (
	"fmt"
	"time"
)

// QuickOption はリマインダーのクイック選択肢。
type QuickOption int

const (
	QuickIn30Minutes QuickOption = iota
	QuickIn1Hour
	QuickIn3Hours
	QuickTomorrow9AM
)

// QuickOptions は全選択肢を表示順に返す。
func QuickOptions() []QuickOption {
	return []QuickOption{QuickIn30Minutes, QuickIn1Hour, QuickIn3Hours, QuickTomorrow9AM}
}

// Label は表示ラベルを返す。
func (o QuickOption) Label() string {
	switch o {
	case QuickIn30Minutes:
		return "In 30 min"
	case QuickIn1Hour:
		return "In 1 hour"
	case QuickIn3Hours:
		return "In 3 hours"
	case QuickTomorrow9AM:
		return "Tomorrow 9 AM"
	default:
		return fmt.Sprintf("QuickOption(%d)", int(o))
	}
}

// ParseQuickOption はラベルから選択肢を返す。
func ParseQuickOption(label string) (QuickOption, error) {
	for _, o := range QuickOptions() {
		if o.Label() == label {
			return o, nil
		}
	}
	return 0, fmt.Errorf("unknown quick reminder option: %q", label)
}

// QuickReminderTime は基準時刻nowに対する選択肢の日時を返す。
// 「明日9時」はnowのタイムゾーンで計算する。
func QuickReminderTime(o QuickOption, now time.Time) time.Time {
	switch o {
	case QuickIn30Minutes:
		return now.Add(30 * time.Minute)
	case QuickIn1Hour:
		return now.Add(time.Hour)
	case QuickIn3Hours:
		return now.Add(3 * time.Hour)
	case QuickTomorrow9AM:
		y, m, d := now.Date()
		return time.Date(y, m, d+1, 9, 0, 0, 0, now.Location())
	default:
		panic("mutation: unknown quick option " + o.Label())
	}
}
