package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// NormalizeCertificates renders every *.crt captured in srcDir as human-readable text in
// dstDir, named <file>.crt.text. It returns how many were rendered. A missing srcDir means
// no TLS connection was intercepted and is not an error.
func (a *Archiver) NormalizeCertificates(ctx context.Context, srcDir, dstDir string) (int, error) {
	certs, err := filepath.Glob(filepath.Join(srcDir, "*.crt"))
	if err != nil {
		return 0, fmt.Errorf("list certificates: %w", err)
	}
	if len(certs) == 0 {
		return 0, nil
	}
	sort.Strings(certs)
	if err := os.MkdirAll(dstDir, 0o750); err != nil {
		return 0, fmt.Errorf("create certificate dir: %w", err)
	}

	for _, cert := range certs {
		var stdout, stderr bytes.Buffer
		// #nosec G204 -- certificate paths come from the worker's own capture directory.
		cmd := exec.CommandContext(ctx, a.OpenSSL, "x509", "-in", cert, "-text")
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			return 0, fmt.Errorf("render %s: %w (%s)", filepath.Base(cert), err, strings.TrimSpace(stderr.String()))
		}
		dst := filepath.Join(dstDir, filepath.Base(cert)+".text")
		if err := os.WriteFile(dst, stdout.Bytes(), 0o640); err != nil {
			return 0, fmt.Errorf("write %s: %w", dst, err)
		}
	}
	a.logger.Debug("certificates normalized", zap.Int("count", len(certs)))
	return len(certs), nil
}
