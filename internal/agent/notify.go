package agent

import (
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
)

// Notifier sends desktop notifications.
type Notifier interface {
	Notify(title, body string) error
}

// NewNotifier returns a notifier for the current platform.
func NewNotifier() Notifier {
	switch runtime.GOOS {
	case "darwin":
		return &darwinNotifier{}
	case "linux":
		return &linuxNotifier{}
	case "windows":
		return &windowsNotifier{}
	default:
		return &nullNotifier{}
	}
}

// darwinNotifier uses osascript.
type darwinNotifier struct{}

func (n *darwinNotifier) Notify(title, body string) error {
	script := fmt.Sprintf(`display notification %q with title %q`, body, title)
	cmd := exec.Command("osascript", "-e", script)
	if err := cmd.Run(); err != nil {
		slog.Debug("macOS notification failed", "error", err)
		return err
	}
	return nil
}

// linuxNotifier tries notify-send, then zenity, then kdialog.
type linuxNotifier struct{}

func (n *linuxNotifier) Notify(title, body string) error {
	if path, err := exec.LookPath("notify-send"); err == nil {
		cmd := exec.Command(path, title, body)
		if err := cmd.Run(); err != nil {
			slog.Debug("notify-send failed", "error", err)
		} else {
			return nil
		}
	}

	if path, err := exec.LookPath("zenity"); err == nil {
		cmd := exec.Command(path, "--notification", "--title="+title, "--text="+body)
		if err := cmd.Run(); err != nil {
			slog.Debug("zenity notification failed", "error", err)
		} else {
			return nil
		}
	}

	if path, err := exec.LookPath("kdialog"); err == nil {
		cmd := exec.Command(path, "--passivepopup", body, "5", "--title", title)
		if err := cmd.Run(); err != nil {
			slog.Debug("kdialog notification failed", "error", err)
		} else {
			return nil
		}
	}

	slog.Debug("no notification method available on Linux")
	return fmt.Errorf("no notification method available")
}

// windowsNotifier uses a PowerShell toast, falling back to a balloon tip.
type windowsNotifier struct{}

func (n *windowsNotifier) Notify(title, body string) error {
	script := fmt.Sprintf(`
		[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] | Out-Null
		[Windows.Data.Xml.Dom.XmlDocument, Windows.Data.Xml.Dom.XmlDocument, ContentType = WindowsRuntime] | Out-Null

		$template = @"
		<toast>
			<visual>
				<binding template="ToastText02">
					<text id="1">%s</text>
					<text id="2">%s</text>
				</binding>
			</visual>
		</toast>
"@
		$xml = New-Object Windows.Data.Xml.Dom.XmlDocument
		$xml.LoadXml($template)
		$toast = [Windows.UI.Notifications.ToastNotification]::new($xml)
		[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier("sentinel").Show($toast)
	`, title, body)

	cmd := exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", script)
	if err := cmd.Run(); err != nil {
		slog.Debug("PowerShell toast notification failed", "error", err)
		return n.notifyBalloon(title, body)
	}
	return nil
}

func (n *windowsNotifier) notifyBalloon(title, body string) error {
	script := fmt.Sprintf(`
		Add-Type -AssemblyName System.Windows.Forms
		$balloon = New-Object System.Windows.Forms.NotifyIcon
		$balloon.Icon = [System.Drawing.SystemIcons]::Information
		$balloon.BalloonTipIcon = 'Info'
		$balloon.BalloonTipTitle = '%s'
		$balloon.BalloonTipText = '%s'
		$balloon.Visible = $true
		$balloon.ShowBalloonTip(5000)
	`, title, body)

	cmd := exec.Command("powershell", "-NoProfile", "-NonInteractive", "-Command", script)
	return cmd.Run()
}

// nullNotifier is a no-op for unsupported platforms.
type nullNotifier struct{}

func (n *nullNotifier) Notify(title, body string) error {
	slog.Debug("notifications not supported on this platform",
		"title", title,
		"body", body,
	)
	return nil
}

// NotificationService gates desktop notifications behind a config switch.
type NotificationService struct {
	notifier Notifier
	enabled  bool
}

// NewNotificationService creates a notification service.
func NewNotificationService(enabled bool) *NotificationService {
	return &NotificationService{
		notifier: NewNotifier(),
		enabled:  enabled,
	}
}

// SetEnabled enables or disables notifications.
func (s *NotificationService) SetEnabled(enabled bool) {
	s.enabled = enabled
}

// Notify sends a notification if enabled.
func (s *NotificationService) Notify(title, body string) error {
	if !s.enabled {
		return nil
	}
	return s.notifier.Notify(title, body)
}

// NotifyMessageReceived announces an inbound message from a mesh peer.
func (s *NotificationService) NotifyMessageReceived(from, msgType string) error {
	title := "sentinel - Message Received"
	body := fmt.Sprintf("%s sent a %s message", from, msgType)
	return s.Notify(title, body)
}

// NotifyPeerJoined announces a peer newly seen in discovery.
func (s *NotificationService) NotifyPeerJoined(peerID string) error {
	title := "sentinel - Peer Joined"
	body := fmt.Sprintf("%s joined the mesh", peerID)
	return s.Notify(title, body)
}
