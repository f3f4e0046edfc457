package session

import (
	"strconv"
	"strings"

	"github.com/antonkrylov/streamops/internal/config"
)

// InputKind is the closed set of recognised payloads.
type InputKind int

const (
	InputText InputKind = iota
	InputStart
	InputCancel
	InputRestart
	InputDownload
	InputYes
	InputNo
	InputAll
	InputNumber
)

func (k InputKind) String() string {
	switch k {
	case InputStart:
		return "start"
	case InputCancel:
		return "cancel"
	case InputRestart:
		return "restart"
	case InputDownload:
		return "download"
	case InputYes:
		return "yes"
	case InputNo:
		return "no"
	case InputAll:
		return "all"
	case InputNumber:
		return "number"
	default:
		return "text"
	}
}

// Input is a decoded payload. Raw always holds the trimmed original text.
type Input struct {
	Kind   InputKind
	Number int
	Raw    string
}

// Decode classifies payload once against the configured labels. Labels match
// case-insensitively; "/start" and "/cancel" are always recognised.
func Decode(payload string, labels config.Labels) Input {
	raw := strings.TrimSpace(payload)
	in := Input{Kind: InputText, Raw: raw}
	if raw == "" {
		return in
	}
	word := raw
	if strings.HasPrefix(word, "/") {
		// Commands may carry a bot suffix: /start@streamops_bot.
		word, _, _ = strings.Cut(word[1:], "@")
		switch strings.ToLower(word) {
		case "start":
			in.Kind = InputStart
			return in
		case "cancel":
			in.Kind = InputCancel
			return in
		}
	}
	switch {
	case strings.EqualFold(raw, labels.Start):
		in.Kind = InputStart
	case strings.EqualFold(raw, labels.Cancel):
		in.Kind = InputCancel
	case strings.EqualFold(raw, labels.Restart):
		in.Kind = InputRestart
	case strings.EqualFold(raw, labels.Download):
		in.Kind = InputDownload
	case strings.EqualFold(raw, labels.Yes):
		in.Kind = InputYes
	case strings.EqualFold(raw, labels.No):
		in.Kind = InputNo
	case strings.EqualFold(raw, labels.All):
		in.Kind = InputAll
	default:
		if n, err := strconv.Atoi(raw); err == nil {
			in.Kind = InputNumber
			in.Number = n
		}
	}
	return in
}
