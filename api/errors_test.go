package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/rewards-ledger/generic"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"duplicate", fmt.Errorf("wrap: %w", generic.ErrDuplicateEvent), http.StatusConflict},
		{"sold", &generic.ResourceUnavailableError{Kind: "plot", ResourceID: "p1"}, http.StatusConflict},
		{"review exists", generic.ErrReviewExists, http.StatusConflict},
		{"referral exists", generic.ErrReferralExists, http.StatusConflict},
		{"insufficient", generic.NewInsufficientPoints("alice", 100, 150), http.StatusBadRequest},
		{"invalid input", generic.ErrInvalidInput, http.StatusBadRequest},
		{"self referral", generic.ErrSelfReferral, http.StatusBadRequest},
		{"pending limit", fmt.Errorf("%w: 5 of 5", generic.ErrPendingReviewLimit), http.StatusTooManyRequests},
		{"review missing", generic.ErrReviewNotFound, http.StatusNotFound},
		{"plot missing", generic.ErrPlotNotFound, http.StatusNotFound},
		{"storage", &generic.StorageError{Op: "reward.checkin", Err: context.DeadlineExceeded}, http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
