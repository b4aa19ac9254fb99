package app

import "fmt"

// Command はitemcastのサブコマンド。
type Command string

const (
	// CommandServe はHTTPサーバーを起動する。引数なしの場合のデフォルト。
	CommandServe Command = "serve"
	// CommandHealthcheck は起動中のサーバーの /health を叩いて終了する。
	// シェルを持たないdistrolessイメージのHEALTHCHECK用。
	CommandHealthcheck Command = "healthcheck"
)

// commands は受け付けるサブコマンドの一覧。
var commands = []Command{CommandServe, CommandHealthcheck}

// ParseCommand は先頭の引数からサブコマンドを決定する。2つ目以降の引数は無視する。
// 未知のサブコマンドはエラーを返す。
func ParseCommand(args []string) (Command, error) {
	if len(args) == 0 {
		return CommandServe, nil
	}
	for _, c := range commands {
		if string(c) == args[0] {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown command %q (available: %s, %s)", args[0], CommandServe, CommandHealthcheck)
}
