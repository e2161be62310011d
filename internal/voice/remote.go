package voice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RemoteLink carries capability requests to the connected client, which owns
// the microphone and the speaker.
type RemoteLink interface {
	RequestCapture(requestID, locale string) error
	StopCapture(requestID string) error
	RequestRender(requestID, text, locale string) error
	CancelRender(requestID string) error
}

const defaultRemoteTimeout = 30 * time.Second

// RemoteCapture runs Listen on the client. Results are matched by request id;
// anything for an id that is no longer pending is dropped.
type RemoteCapture struct {
	link      RemoteLink
	available bool
	timeout   time.Duration

	mu        sync.Mutex
	pendingID string
	pending   chan CaptureOutcome
}

func NewRemoteCapture(link RemoteLink, available bool, timeout time.Duration) *RemoteCapture {
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &RemoteCapture{link: link, available: available, timeout: timeout}
}

func (r *RemoteCapture) Available() bool { return r.available }

func (r *RemoteCapture) Listen(ctx context.Context, locale string) CaptureOutcome {
	id := uuid.NewString()
	ch := make(chan CaptureOutcome, 1)

	r.mu.Lock()
	r.pendingID = id
	r.pending = ch
	r.mu.Unlock()

	if err := r.link.RequestCapture(id, locale); err != nil {
		r.clear(id)
		return ErrorOutcome(fmt.Errorf("%w: request capture: %v", ErrCaptureFailure, err))
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case out := <-ch:
		return out
	case <-ctx.Done():
		r.clear(id)
		return SilenceOutcome()
	case <-timer.C:
		r.clear(id)
		_ = r.link.StopCapture(id)
		return SilenceOutcome()
	}
}

// Stop tells the client to stop and ends the pending Listen with silence.
func (r *RemoteCapture) Stop() error {
	r.mu.Lock()
	id, ch := r.pendingID, r.pending
	r.pendingID, r.pending = "", nil
	r.mu.Unlock()
	if id == "" {
		return nil
	}
	ch <- SilenceOutcome()
	return r.link.StopCapture(id)
}

// Resolve delivers the client's result for requestID. It reports false for
// unknown or stale ids.
func (r *RemoteCapture) Resolve(requestID string, out CaptureOutcome) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if requestID == "" || requestID != r.pendingID {
		return false
	}
	r.pending <- out
	r.pendingID, r.pending = "", nil
	return true
}

// PendingID returns the id of the in-flight request, or "".
func (r *RemoteCapture) PendingID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingID
}

func (r *RemoteCapture) clear(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingID == id {
		r.pendingID, r.pending = "", nil
	}
}

// RemoteRenderer plays speech on the client.
type RemoteRenderer struct {
	link      RemoteLink
	available bool
	timeout   time.Duration

	mu        sync.Mutex
	pendingID string
	pending   chan error
}

func NewRemoteRenderer(link RemoteLink, available bool, timeout time.Duration) *RemoteRenderer {
	if timeout <= 0 {
		timeout = defaultRemoteTimeout
	}
	return &RemoteRenderer{link: link, available: available, timeout: timeout}
}

func (r *RemoteRenderer) Available() bool { return r.available }

func (r *RemoteRenderer) Render(ctx context.Context, text, locale string) error {
	id := uuid.NewString()
	ch := make(chan error, 1)

	r.mu.Lock()
	r.pendingID = id
	r.pending = ch
	r.mu.Unlock()

	if err := r.link.RequestRender(id, text, locale); err != nil {
		r.clear(id)
		return fmt.Errorf("request render: %w", err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		r.clear(id)
		_ = r.link.CancelRender(id)
		return ctx.Err()
	case <-timer.C:
		r.clear(id)
		_ = r.link.CancelRender(id)
		return fmt.Errorf("render timed out after %s", r.timeout)
	}
}

// Cancel tells the client to stop and ends the pending Render with ErrRenderCancelled.
func (r *RemoteRenderer) Cancel() error {
	r.mu.Lock()
	id, ch := r.pendingID, r.pending
	r.pendingID, r.pending = "", nil
	r.mu.Unlock()
	if id == "" {
		return nil
	}
	ch <- ErrRenderCancelled
	return r.link.CancelRender(id)
}

// Resolve delivers the client's completion for requestID (nil on success).
func (r *RemoteRenderer) Resolve(requestID string, err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if requestID == "" || requestID != r.pendingID {
		return false
	}
	r.pending <- err
	r.pendingID, r.pending = "", nil
	return true
}

func (r *RemoteRenderer) PendingID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pendingID
}

func (r *RemoteRenderer) clear(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pendingID == id {
		r.pendingID, r.pending = "", nil
	}
}
