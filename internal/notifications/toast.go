package notifications

import (
	"fmt"
	"runtime"

	"github.com/go-toast/toast"

	"github.com/bekirdag/mcoda/internal/events"
)

// ToastNotifier shows Windows toast notifications for finished jobs.
// On other platforms Send is a no-op.
type ToastNotifier struct {
	appID string
}

// NewToastNotifier creates a toast notifier.
func NewToastNotifier(appID string) *ToastNotifier {
	if appID == "" {
		appID = "mcoda"
	}
	return &ToastNotifier{appID: appID}
}

// Name implements Notifier.
func (t *ToastNotifier) Name() string { return "toast" }

// ShouldNotify implements Notifier.
func (t *ToastNotifier) ShouldNotify(event events.Event) bool {
	return runtime.GOOS == "windows"
}

// Send implements Notifier.
func (t *ToastNotifier) Send(event events.Event) error {
	if runtime.GOOS != "windows" {
		return nil
	}
	state, _ := event.Payload["state"].(string)
	n := toast.Notification{
		AppID:   t.appID,
		Title:   fmt.Sprintf("mcoda job %s", state),
		Message: fmt.Sprintf("Job %s finished with state %s", event.JobID, state),
		Audio:   toast.Default,
	}
	return n.Push()
}
