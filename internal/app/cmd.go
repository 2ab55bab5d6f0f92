package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandClient は認証済みクライアントとしてポーリングとローカルAPIを起動する。
	CommandClient Command = "client"
	// CommandServe はリファレンスバックエンドを起動する。
	CommandServe Command = "serve"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandCleanup は発火済みリマインダーの削除を1回だけ実行する。
	CommandCleanup Command = "cleanup"
	// CommandHealthcheck はヘルスチェックを実行する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandLogout は保存済みのアイデンティティとログインコンテキストを削除する。
	CommandLogout Command = "logout"
	// CommandClearStorage は破損した認証ストレージを削除する。
	CommandClearStorage Command = "clear-storage"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandClientを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandClient
	}

	switch c := Command(args[0]); c {
	case CommandClient, CommandServe, CommandMigrate, CommandCleanup,
		CommandHealthcheck, CommandLogout, CommandClearStorage:
		return c
	default:
		return CommandClient
	}
}
