package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
)

// ErrInvalidRequest wraps every request that could not be turned into a
// command.
var ErrInvalidRequest = errors.New("invalid request")

// Submitter runs locally originated commands.
type Submitter interface {
	Submit(evt event.Event) (core.Result, error)
}

// CommandService lets the HTTP layer inject commands directly, bypassing the
// bus. Commands land on the "local" partition unless the body names its own
// source and sequence.
type CommandService struct {
	engine Submitter
}

func NewCommandService(engine Submitter) *CommandService {
	return &CommandService{engine: engine}
}

// Execute parses body as a command of type et and runs it. Fields override
// the body's JSON fields of the same name; the server uses them for path
// parameters and the caller's identity.
func (s *CommandService) Execute(
	ctx context.Context,
	et event.EventType,
	body []byte,
	idempotencyKey string,
	fields map[string]string,
) (core.Result, error) {
	if err := ctx.Err(); err != nil {
		return core.Result{}, err
	}

	data, err := mergeFields(body, fields)
	if err != nil {
		return core.Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	evt, err := ParseRequest(et, data, idempotencyKey)
	if err != nil {
		return core.Result{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	return s.engine.Submit(evt)
}

func mergeFields(body []byte, fields map[string]string) ([]byte, error) {
	if len(fields) == 0 {
		if len(body) == 0 {
			return []byte("{}"), nil
		}
		return body, nil
	}

	obj := make(map[string]json.RawMessage)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &obj); err != nil {
			return nil, err
		}
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		obj[k] = raw
	}
	return json.Marshal(obj)
}
