package notify

import (
	"bytes"
	"fmt"
	"os/exec"
	"time"

	"github.com/OpenPrinting/goipp"

	"github.com/openspool/printd/pkg/types"
)

// Notifier delivers one captured event to a push subscription.
type Notifier interface {
	Deliver(sub *types.Subscription, ev *types.Event) error
}

// ExecNotifier runs an external notifier binary per event. The
// recipient URI and user data are passed as arguments and the event
// is written to stdin as an encoded IPP event-notification message.
type ExecNotifier struct {
	Command string
	Timeout time.Duration
}

func (n *ExecNotifier) Deliver(sub *types.Subscription, ev *types.Event) error {
	msg := goipp.NewRequest(goipp.DefaultVersion, goipp.OpSendNotifications, uint32(ev.Seq))
	msg.Operation.Add(goipp.MakeAttribute("attributes-charset", goipp.TagCharset, goipp.String("utf-8")))
	msg.Operation.Add(goipp.MakeAttribute("attributes-natural-language", goipp.TagLanguage, goipp.String("en-us")))
	msg.EventNotification = RenderEvent(sub, ev)

	payload, err := msg.EncodeBytes()
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	cmd := exec.Command(n.Command, sub.RecipientURI, string(sub.UserData))
	cmd.Stdin = bytes.NewReader(payload)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting notifier %s: %w", n.Command, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("notifier %s: %w", n.Command, err)
		}
		return nil
	case <-time.After(timeout):
		cmd.Process.Kill()
		<-done
		return fmt.Errorf("notifier %s: timed out after %s", n.Command, timeout)
	}
}

// RenderEvent builds the event-notification attribute group for one
// captured event.
func RenderEvent(sub *types.Subscription, ev *types.Event) goipp.Attributes {
	var attrs goipp.Attributes
	attrs.Add(goipp.MakeAttribute("notify-subscription-id", goipp.TagInteger, goipp.Integer(sub.ID)))
	attrs.Add(goipp.MakeAttribute("notify-sequence-number", goipp.TagInteger, goipp.Integer(ev.Seq)))
	attrs.Add(goipp.MakeAttribute("notify-subscribed-event", goipp.TagKeyword, goipp.String(ev.Kind.Name())))
	attrs.Add(goipp.MakeAttribute("notify-text", goipp.TagText, goipp.String(ev.Text)))
	attrs.Add(goipp.MakeAttribute("printer-up-time", goipp.TagInteger, goipp.Integer(ev.Time.Unix())))
	if len(sub.UserData) > 0 {
		attrs.Add(goipp.MakeAttribute("notify-user-data", goipp.TagString, goipp.Binary(sub.UserData)))
	}
	if ev.JobID != 0 {
		attrs.Add(goipp.MakeAttribute("notify-job-id", goipp.TagInteger, goipp.Integer(ev.JobID)))
	}
	for _, a := range ev.Attrs {
		attrs.Add(a)
	}
	return attrs
}
