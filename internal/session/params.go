package session

import (
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/cutline/render/internal/model"
)

// ErrMissingToken is returned when the launch context carries no token
var ErrMissingToken = errors.New("session token is required")

// LaunchParams is what a session reads from its launch context
type LaunchParams struct {
	Token   string
	Segment *model.SegmentOverride
}

// ParseQuery parses a launch query string such as "?token=abc&segmentIndex=1"
func ParseQuery(raw string) (*LaunchParams, error) {
	values, err := url.ParseQuery(strings.TrimPrefix(raw, "?"))
	if err != nil {
		return nil, fmt.Errorf("invalid launch query: %w", err)
	}
	return ParseLaunchParams(values)
}

// ParseLaunchParams reads token and the optional segment parameters
func ParseLaunchParams(values url.Values) (*LaunchParams, error) {
	token := strings.TrimSpace(values.Get("token"))
	if token == "" {
		return nil, ErrMissingToken
	}
	p := &LaunchParams{Token: token}

	keys := []string{"segmentIndex", "segmentTotal", "segmentStart", "segmentEnd", "segmentOutput"}
	present := false
	for _, k := range keys {
		if values.Get(k) != "" {
			present = true
			break
		}
	}
	if !present {
		return p, nil
	}

	seg := &model.SegmentOverride{}
	if v := values.Get("segmentIndex"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid segmentIndex %q: %w", v, err)
		}
		seg.Index = n
	}
	if v := values.Get("segmentTotal"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid segmentTotal %q: %w", v, err)
		}
		seg.Total = n
	}
	seg.Start = parseFinite(values.Get("segmentStart"))
	seg.End = parseFinite(values.Get("segmentEnd"))

	if v := values.Get("segmentOutput"); v != "" {
		// launchers double-encode the path
		if decoded, err := url.QueryUnescape(v); err == nil {
			v = decoded
		}
		seg.OutputOverride = v
	}

	p.Segment = seg
	return p, nil
}

// parseFinite returns nil unless s is a finite number
func parseFinite(s string) *float64 {
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// ApplySegment narrows payload to seg. The range changes only when both
// bounds are set; an output override retargets file path and exporter.
func ApplySegment(payload *model.HeadlessJobPayload, seg *model.SegmentOverride) {
	if seg == nil {
		return
	}
	if seg.Start != nil && seg.End != nil {
		payload.Output.Range = [2]float64{*seg.Start, *seg.End}
	}
	if seg.OutputOverride != "" {
		payload.Output.FilePath = seg.OutputOverride
		payload.Exporter.Options.Output = seg.OutputOverride
	}
}
