// Package selfupdate implements UPDATE_AGENT and SHUTDOWN_AGENT (§4.5):
// download a new agent binary, verify its checksum, swap it in with a
// backup of the running binary kept alongside it (the package never
// re-execs; see Apply); or stop/uninstall the agent outright. No example in the pack downloads and
// swaps its own binary (the teacher is restarted externally by its
// process supervisor), so this is built directly on net/http + crypto/
// sha256 + os, the same standard-library combination any Go self-updater
// needs and that nothing in the retrieved pack wraps in a library.
package selfupdate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodefleet/controlplane/internal/protocol"
)

// Updater downloads and swaps in a new agent binary.
type Updater struct {
	binaryPath string
	client     *http.Client
	log        zerolog.Logger
}

func New(binaryPath string, log zerolog.Logger) *Updater {
	return &Updater{
		binaryPath: binaryPath,
		client:     &http.Client{Timeout: 5 * time.Minute},
		log:        log.With().Str("component", "selfupdate").Logger(),
	}
}

// Apply runs UPDATE_AGENT: downloads payload.BundleURL, verifies its
// sha256 checksum against payload.Checksum, backs up the current binary
// to <path>.bak, and replaces it. Returns the path to the new binary; the
// caller is responsible for re-exec'ing (this package never restarts the
// process itself, since the agent's own STATUS_UPDATE for the in-flight
// command must be sent before the process image changes).
func (u *Updater) Apply(ctx context.Context, payload protocol.UpdateAgentPayload) (string, error) {
	tmpPath := u.binaryPath + ".new"
	if err := u.download(ctx, payload.BundleURL, tmpPath); err != nil {
		return "", fmt.Errorf("download update: %w", err)
	}

	sum, err := sha256File(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("checksum new binary: %w", err)
	}
	if sum != payload.Checksum {
		os.Remove(tmpPath)
		return "", fmt.Errorf("checksum mismatch: got %s want %s", sum, payload.Checksum)
	}

	if err := os.Chmod(tmpPath, 0o755); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("make new binary executable: %w", err)
	}

	backupPath := u.binaryPath + ".bak"
	if _, err := os.Stat(u.binaryPath); err == nil {
		if err := copyFile(u.binaryPath, backupPath); err != nil {
			os.Remove(tmpPath)
			return "", fmt.Errorf("back up current binary: %w", err)
		}
	}

	if err := os.Rename(tmpPath, u.binaryPath); err != nil {
		return "", fmt.Errorf("swap in new binary: %w", err)
	}

	u.log.Info().Str("version", payload.Version).Msg("agent binary updated")
	return u.binaryPath, nil
}

// Rollback restores the pre-update binary from its backup, for use if the
// new binary fails its first health check after a re-exec.
func (u *Updater) Rollback() error {
	backupPath := u.binaryPath + ".bak"
	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("no backup binary available: %w", err)
	}
	return os.Rename(backupPath, u.binaryPath)
}

func (u *Updater) download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, resp.Body)
	return err
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// Shutdown runs SHUTDOWN_AGENT against the binary this Updater was
// constructed with, delegating to the package-level Shutdown func.
func (u *Updater) Shutdown(ctx context.Context, mode protocol.ShutdownMode) error {
	return Shutdown(ctx, u.binaryPath, mode)
}

// Shutdown implements SHUTDOWN_AGENT: for ShutdownModeStop, the caller is
// expected to just exit the process after this returns; for
// ShutdownModeUninstall, the running binary and its systemd unit (if any)
// are removed so the agent does not restart.
func Shutdown(ctx context.Context, binaryPath string, mode protocol.ShutdownMode) error {
	if mode == protocol.ShutdownModeStop {
		return nil
	}

	unitName := "controlplane-agent"
	disable := exec.CommandContext(ctx, "systemctl", "disable", "--now", unitName)
	_ = disable.Run() // best-effort: the unit may not exist on every host

	if err := os.Remove(binaryPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove agent binary: %w", err)
	}
	return nil
}
