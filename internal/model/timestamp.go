package model

import "time"

// NanosPerMilli はミリ秒あたりのナノ秒数。
const NanosPerMilli = 1_000_000

// NanosFromTime は壁時計の時刻をバックエンドのナノ秒単位に変換する。
// 日時ピッカーの精度に合わせてミリ秒に切り捨ててから整数演算で変換するため、
// 何度変換しても値はずれない。
func NanosFromTime(t time.Time) uint64 {
	return uint64(t.UnixMilli()) * NanosPerMilli
}

// TimeFromNanos はナノ秒タイムスタンプをtime.Timeに変換する。
func TimeFromNanos(ns uint64) time.Time {
	return time.Unix(0, int64(ns))
}
