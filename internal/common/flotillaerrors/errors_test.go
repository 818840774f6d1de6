package flotillaerrors

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestStatusFromError(t *testing.T) {
	tests := map[string]struct {
		err  error
		want int
	}{
		"ErrAlreadyExists":              {&ErrAlreadyExists{}, http.StatusConflict},
		"ErrNotFound":                   {&ErrNotFound{}, http.StatusNotFound},
		"ErrInvalidArgument":            {&ErrInvalidArgument{}, http.StatusBadRequest},
		"ErrInvalidTransition":          {&ErrInvalidTransition{}, http.StatusConflict},
		"ErrStaleTransition":            {&ErrStaleTransition{}, http.StatusConflict},
		"ErrInsufficientCapacity":       {&ErrInsufficientCapacity{}, http.StatusInsufficientStorage},
		"ErrTransientInfra":             {&ErrTransientInfra{Source: "redis"}, http.StatusServiceUnavailable},
		"pkg.Error => ErrNotFound":      {errors.WithMessage(&ErrNotFound{}, "foo"), http.StatusNotFound},
		"pkg.Error => ErrAlreadyExists": {errors.WithStack(&ErrAlreadyExists{}), http.StatusConflict},
		"pkg.Error":                     {errors.New("foo"), http.StatusInternalServerError},
		"nil":                           {nil, http.StatusOK},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, StatusFromError(tc.err))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := map[string]struct {
		err  error
		want bool
	}{
		"nil":                        {nil, false},
		"ErrTransientInfra":          {&ErrTransientInfra{Source: "redis", Inner: errors.New("dial refused")}, true},
		"wrapped ErrTransientInfra":  {errors.Wrap(&ErrTransientInfra{Source: "database"}, "enqueue"), true},
		"net.Error":                  {&net.DNSError{IsTimeout: true}, true},
		"context deadline":           {fmt.Errorf("claim: %w", context.DeadlineExceeded), true},
		"ErrNotFound":                {&ErrNotFound{Type: "job", Value: "j1"}, false},
		"ErrPoisonJob":               {&ErrPoisonJob{JobId: "j1", Retries: 3}, false},
		"plain error":                {errors.New("boom"), false},
		"ErrInsufficientCapacity":    {&ErrInsufficientCapacity{RequestedBytes: 1}, false},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	assert.Equal(t,
		`resource "j1" of type "job" already exists`,
		(&ErrAlreadyExists{Type: "job", Value: "j1"}).Error())
	assert.Equal(t,
		`resource "p1" does not exist`,
		(&ErrNotFound{Value: "p1"}).Error())
	assert.Equal(t,
		"insufficient capacity: requested 10 bytes with 5 of 20 available",
		(&ErrInsufficientCapacity{RequestedBytes: 10, AvailableBytes: 5, BudgetBytes: 20}).Error())
	assert.Equal(t,
		"illegal pool transition stopped -> running for \"p1\"",
		(&ErrInvalidTransition{Type: "pool", Id: "p1", From: "stopped", To: "running"}).Error())
	assert.Equal(t,
		"job j9 exceeded maximum number of retries: 3; last error: oom",
		(&ErrPoisonJob{JobId: "j9", Retries: 3, LastError: "oom"}).Error())
}
