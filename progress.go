package onepad

import "gopkg.in/op/go-logging.v1"

// LogUI reports progress and messages through a logger. Progress is logged in
// steps of roughly ten percent.
type LogUI struct {
	Log *logging.Logger

	label string
	total int64
	next  int64
}

// NewLogUI returns a UserInterface writing to log.
func NewLogUI(log *logging.Logger) *LogUI {
	return &LogUI{Log: log}
}

func (u *LogUI) StartProgress(label string, total int64) {
	u.label, u.total, u.next = label, total, total/10
	u.Log.Debugf("%s: %d bytes", label, total)
}

func (u *LogUI) UpdateProgress(done int64) {
	if u.total <= 0 || done < u.next {
		return
	}
	u.Log.Debugf("%s: %d%%", u.label, done*100/u.total)
	u.next = done + u.total/10
}

func (u *LogUI) FinishProgress() {
	u.Log.Debugf("%s: done", u.label)
}

func (u *LogUI) Message(msg string) { u.Log.Info(msg) }
func (u *LogUI) Warning(msg string) { u.Log.Warning(msg) }

// quietUI drops everything.
type quietUI struct{}

func (quietUI) StartProgress(string, int64) {}
func (quietUI) UpdateProgress(int64)        {}
func (quietUI) FinishProgress()             {}
func (quietUI) Message(string)              {}
func (quietUI) Warning(string)              {}
