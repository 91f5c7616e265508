package streamfactory

import (
	"context"
	"fmt"

	"diagport/internal/logging"
	"diagport/internal/transport"
)

// Claim is a stream handed to the caller together with the port it came from.
type Claim struct {
	Stream   transport.Stream
	Endpoint string
	Mode     transport.Mode
}

// GetNextAvailableStream blocks until one port yields a usable stream and
// transfers ownership of it to the caller. At most one stream is claimed per
// call; other ready streams stay cached for later calls.
//
// An error event from the poll primitive aborts the call with ErrPollError
// and leaves every port as it was. Cancelling ctx or shutting the factory
// down interrupts a blocking poll.
func (f *Factory) GetNextAvailableStream(ctx context.Context, onError ErrorFunc) (transport.Stream, error) {
	claim, err := f.NextClaim(ctx, onError)
	if err != nil {
		return nil, err
	}
	return claim.Stream, nil
}

// NextClaim behaves like GetNextAvailableStream and also reports which port
// produced the stream.
func (f *Factory) NextClaim(ctx context.Context, onError ErrorFunc) (Claim, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	pace := newPacer(f.policy)

	for pass := 1; ; pass++ {
		if f.shutdown.Load() {
			return Claim{}, ErrShutdown
		}
		if err := ctx.Err(); err != nil {
			return Claim{}, err
		}
		states := f.snapshot()
		if len(states) == 0 {
			return Claim{}, ErrNoEndpoints
		}

		handles := make([]transport.PollHandle, 0, len(states))
		owners := make([]ConnectionState, 0, len(states))
		allConnected := true
		for _, state := range states {
			handle, err := state.PollHandle()
			if err != nil {
				allConnected = false
				f.observer.ConnectFailed(state.Name())
				f.logger.Debug("diagnostic port not ready",
					logging.Endpoint(state.Name()),
					logging.Int(logging.FieldPollPass, pass),
					logging.Error(err),
				)
				report(onError, fmt.Sprintf("connect to %s", state.Name()), err)
				continue
			}
			handles = append(handles, handle)
			owners = append(owners, state)
		}

		timeout := pace.next(allConnected)
		f.observer.PollPass(timeout, len(handles))
		f.logger.Debug("polling diagnostic ports",
			logging.Int(logging.FieldPollPass, pass),
			logging.Int("handles", len(handles)),
			logging.Duration("timeout", timeout),
		)

		signaled, err := f.transport.Poll(ctx, handles, timeout)
		if err != nil {
			if f.shutdown.Load() {
				return Claim{}, ErrShutdown
			}
			f.observer.PollFailed()
			return Claim{}, fmt.Errorf("poll diagnostic ports: %w", err)
		}
		if signaled == 0 {
			continue
		}

		for i := range handles {
			if handles[i].Events != transport.PollError {
				continue
			}
			if f.shutdown.Load() {
				return Claim{}, ErrShutdown
			}
			f.observer.PollFailed()
			report(onError, fmt.Sprintf("poll error on %s", owners[i].Name()), nil)
			return Claim{}, fmt.Errorf("%w on %s", ErrPollError, owners[i].Name())
		}

		var claimed Claim
		for i := range handles {
			owner := owners[i]
			switch handles[i].Events {
			case transport.PollHangUp:
				owner.Reset()
				pace.hangUp()
				f.observer.HungUp(owner.Name())
				f.logger.Debug("diagnostic port hung up",
					logging.Endpoint(owner.Name()),
					logging.Int(logging.FieldPollPass, pass),
				)
			case transport.PollSignaled:
				if claimed.Stream != nil {
					continue
				}
				stream, err := owner.ConnectedStream()
				if err != nil {
					report(onError, fmt.Sprintf("accept on %s", owner.Name()), err)
					f.logger.Debug("diagnostic port claim failed",
						logging.Endpoint(owner.Name()),
						logging.Error(err),
					)
					continue
				}
				if stream == nil {
					continue
				}
				claimed = Claim{Stream: stream, Endpoint: owner.Name(), Mode: owner.Mode()}
				f.observer.Claimed(owner.Name(), owner.Mode())
				f.logger.Debug("diagnostic stream claimed",
					logging.Endpoint(owner.Name()),
					logging.EndpointMode(owner.Mode().String()),
					logging.Int(logging.FieldPollPass, pass),
				)
			}
		}
		if claimed.Stream != nil {
			return claimed, nil
		}
	}
}
