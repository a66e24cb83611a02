// Package hwlink is the synchronous request/acknowledge channel to motion and
// detector controllers. Parameters are named values: Put blocks until the
// device acknowledges the write, Get returns the device's current value.
package hwlink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/flyscan/internal/faults"
	"github.com/banshee-data/flyscan/internal/monitoring"
)

// DefaultRequestTimeout bounds a single Put or Get.
const DefaultRequestTimeout = 2 * time.Second

// Link is a request/acknowledge channel to one controller. Every error a Link
// returns is a faults.ErrCommunication.
type Link interface {
	Put(ctx context.Context, name, value string) error
	Get(ctx context.Context, name string) (string, error)
}

// Requester sends one command line and returns the device's reply line.
// *serialmux.SerialMux satisfies it.
type Requester interface {
	Request(ctx context.Context, command string) (string, error)
}

// Option configures a SerialLink.
type Option func(*SerialLink)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(l *SerialLink) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithRateLimit caps requests per second. Slow controllers drop commands
// when flooded, so status polling is paced here rather than by callers.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(l *SerialLink) {
		if perSecond > 0 {
			if burst < 1 {
				burst = 1
			}
			l.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// SerialLink speaks a line protocol over a Requester:
//
//	PUT <name> <value>  ->  OK | ERR <message>
//	GET <name>          ->  OK <value> | ERR <message>
type SerialLink struct {
	r       Requester
	timeout time.Duration
	limiter *rate.Limiter
	log     func(string, ...interface{})
}

var _ Link = (*SerialLink)(nil)

// NewSerialLink wraps r.
func NewSerialLink(r Requester, opts ...Option) *SerialLink {
	l := &SerialLink{
		r:       r,
		timeout: DefaultRequestTimeout,
		log:     monitoring.Component("hwlink"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *SerialLink) Put(ctx context.Context, name, value string) error {
	if err := checkToken(name); err != nil {
		return faults.Communication("put "+name, err)
	}
	if strings.ContainsAny(value, "\r\n") {
		return faults.Communication("put "+name, errors.New("value contains a line break"))
	}
	_, err := l.do(ctx, "put "+name, fmt.Sprintf("PUT %s %s", name, value))
	return err
}

func (l *SerialLink) Get(ctx context.Context, name string) (string, error) {
	if err := checkToken(name); err != nil {
		return "", faults.Communication("get "+name, err)
	}
	return l.do(ctx, "get "+name, "GET "+name)
}

func (l *SerialLink) do(ctx context.Context, op, command string) (string, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return "", faults.Communication(op, err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	reply, err := l.r.Request(ctx, command)
	if err != nil {
		l.log("%s failed: %v", op, err)
		return "", faults.Communication(op, err)
	}
	return parseReply(op, reply)
}

func parseReply(op, reply string) (string, error) {
	switch {
	case reply == "OK":
		return "", nil
	case strings.HasPrefix(reply, "OK "):
		return strings.TrimPrefix(reply, "OK "), nil
	case reply == "ERR" || strings.HasPrefix(reply, "ERR "):
		msg := strings.TrimSpace(strings.TrimPrefix(reply, "ERR"))
		if msg == "" {
			msg = "device rejected request"
		}
		return "", faults.Communication(op, errors.New(msg))
	default:
		return "", faults.Communication(op, fmt.Errorf("unexpected reply %q", reply))
	}
}

func checkToken(name string) error {
	if name == "" || strings.ContainsAny(name, " \t\r\n") {
		return fmt.Errorf("invalid parameter name %q", name)
	}
	return nil
}

// GetFloat reads a numeric parameter.
func GetFloat(ctx context.Context, l Link, name string) (float64, error) {
	s, err := l.Get(ctx, name)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, faults.Communication("get "+name, fmt.Errorf("not a number: %q", s))
	}
	return v, nil
}

// GetBool reads a 0/1 parameter.
func GetBool(ctx context.Context, l Link, name string) (bool, error) {
	s, err := l.Get(ctx, name)
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(s) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, faults.Communication("get "+name, fmt.Errorf("not a flag: %q", s))
	}
}

// FormatFloats joins values for an array parameter.
func FormatFloats(vs []float64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

// FormatInts joins values for an array parameter.
func FormatInts(vs []int64) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatInt(v, 10)
	}
	return strings.Join(parts, ",")
}

// Bool formats a flag parameter.
func Bool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
