package editor

import "github.com/sirupsen/logrus"

type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Notification is a user-facing message about an editor operation.
type Notification struct {
	SessionID string `json:"session_id"`
	Owner     string `json:"-"`
	Level     Level  `json:"level"`
	Message   string `json:"message"`
}

type Notifier interface {
	Notify(n Notification)
}

type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

// LogNotifier writes notifications to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(n Notification) {
	log := logrus.WithFields(logrus.Fields{
		"session_id": n.SessionID,
		"user_id":    n.Owner,
	})
	if n.Level == LevelError {
		log.Warn(n.Message)
		return
	}
	log.Info(n.Message)
}

// Notifiers fans a notification out to every non-nil notifier.
func Notifiers(list ...Notifier) Notifier {
	return NotifierFunc(func(n Notification) {
		for _, notifier := range list {
			if notifier != nil {
				notifier.Notify(n)
			}
		}
	})
}
