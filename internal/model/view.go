package model

import "fmt"

// Folder はメールのフォルダ種別を表す閉じた列挙型。
type Folder int

const (
	// FolderInbox は受信トレイ。
	FolderInbox Folder = iota
	// FolderSent は送信済み。
	FolderSent
	// FolderStarred はスター付き。
	FolderStarred
)

// Folders は全フォルダを表示順に返す。
func Folders() []Folder {
	return []Folder{FolderInbox, FolderSent, FolderStarred}
}

// String はフォルダ名を返す。
func (f Folder) String() string {
	switch f {
	case FolderInbox:
		return "inbox"
	case FolderSent:
		return "sent"
	case FolderStarred:
		return "starred"
	default:
		return fmt.Sprintf("Folder(%d)", int(f))
	}
}

// ParseFolder はフォルダ名を解析する。
func ParseFolder(s string) (Folder, error) {
	for _, f := range Folders() {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, NewInvalidFolderError(s)
}

// Section はアプリケーションのセクション種別を表す閉じた列挙型。
type Section int

const (
	// SectionMail はメール画面。
	SectionMail Section = iota
	// SectionChat はチャット画面。
	SectionChat
)

// String はセクション名を返す。
func (s Section) String() string {
	switch s {
	case SectionMail:
		return "mail"
	case SectionChat:
		return "chat"
	default:
		return fmt.Sprintf("Section(%d)", int(s))
	}
}

// ParseSection はセクション名を解析する。
func ParseSection(s string) (Section, error) {
	switch s {
	case "mail":
		return SectionMail, nil
	case "chat":
		return SectionChat, nil
	default:
		return 0, NewInvalidSectionError(s)
	}
}
