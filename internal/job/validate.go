package job

import (
	"fmt"
	"net/url"
	"strings"
)

// Validation failure reasons. Gateway responses and worker logs both carry these verbatim.
const (
	ReasonRecursionRange   = "recursion level must be between 1 and 20"
	ReasonRecursionMissing = "recursive mode requires a recursion level"
	ReasonRecursionUnused  = "recursion level is only valid with recursive mode"
	ReasonMode             = "mode must be single-page or recursive"
	ReasonIPVersion        = "ip version must be v4 or v6"
	ReasonUserAgent        = "unsupported user-agent profile"
	ReasonURL              = "url did not validate, it must include a scheme and host such as https://example.org"
)

// Result is the outcome of Validate. Exactly one of Descriptor or Reasons is meaningful:
// OK reports whether the request may be queued.
type Result struct {
	Descriptor Descriptor
	Reasons    []string
}

// OK reports whether every rule passed.
func (r Result) OK() bool {
	return len(r.Reasons) == 0
}

// Err returns a *ValidationError for failed results and nil otherwise.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &ValidationError{Reasons: append([]string(nil), r.Reasons...)}
}

// ValidationError reports every rule a request broke.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid job request: %s", strings.Join(e.Reasons, "; "))
}

// Validate applies every rule to req without short-circuiting, in a fixed order:
// recursion level, mode, ip version, user-agent profile, url. The gateway and the worker
// both call it so the two admission points cannot drift apart.
func Validate(req Request) Result {
	var reasons []string

	switch {
	case req.Mode == ModeRecursive && req.RecursionLevel == nil:
		reasons = append(reasons, ReasonRecursionMissing)
	case req.Mode == ModeRecursive:
		if lvl := *req.RecursionLevel; lvl < MinRecursionLevel || lvl > MaxRecursionLevel {
			reasons = append(reasons, ReasonRecursionRange)
		}
	case req.Mode == ModeSinglePage && req.RecursionLevel != nil:
		reasons = append(reasons, ReasonRecursionUnused)
	}

	if req.Mode != ModeSinglePage && req.Mode != ModeRecursive {
		reasons = append(reasons, ReasonMode)
	}
	if req.IPVersion != IPv4 && req.IPVersion != IPv6 {
		reasons = append(reasons, ReasonIPVersion)
	}
	if _, ok := UserAgentFor(req.UserAgent); !ok {
		reasons = append(reasons, ReasonUserAgent)
	}
	if !wellFormedURL(req.URL) {
		reasons = append(reasons, ReasonURL)
	}

	if len(reasons) > 0 {
		return Result{Reasons: reasons}
	}

	d := Descriptor{
		URL:       req.URL,
		Mode:      req.Mode,
		IPVersion: req.IPVersion,
		UserAgent: req.UserAgent,
	}
	if req.Mode == ModeRecursive {
		d.RecursionLevel = *req.RecursionLevel
	}
	return Result{Descriptor: d}
}

func wellFormedURL(raw string) bool {
	if strings.TrimSpace(raw) != raw || raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}
