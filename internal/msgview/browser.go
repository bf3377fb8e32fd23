package msgview

import (
	"fmt"
	"os/exec"
	"runtime"
)

var startCommand = func(name string, args ...string) error {
	return exec.Command(name, args...).Start()
}

// OpenBrowser opens url with the desktop's default handler.
func OpenBrowser(url string) error {
	var err error
	switch runtime.GOOS {
	case "darwin":
		err = startCommand("open", url)
	case "windows":
		err = startCommand("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		err = startCommand("xdg-open", url)
	}
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}
	return nil
}
