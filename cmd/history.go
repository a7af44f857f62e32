package cmd

import (
	"bytes"
	"fmt"
	"os"

	"github.com/peterh/liner"
)

// lineEditor adds history files and screen clearing to liner.
type lineEditor struct {
	*liner.State
}

func newLineEditor() *lineEditor {
	l := &lineEditor{liner.NewLiner()}
	l.SetCtrlCAborts(true)
	return l
}

func (l *lineEditor) HistoryLoad(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = l.ReadHistory(bytes.NewReader(content))
	return err
}

func (l *lineEditor) HistorySave(path string) error {
	var buf bytes.Buffer
	if _, err := l.WriteHistory(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}

func (l *lineEditor) ClearScreen() error {
	_, err := fmt.Fprint(os.Stdout, "\x1b[H\x1b[2J")
	return err
}
