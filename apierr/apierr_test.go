package apierr

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{Unauthenticated, http.StatusUnauthorized},
		{Forbidden, http.StatusForbidden},
		{InvalidRequest, http.StatusBadRequest},
		{NotFound, http.StatusNotFound},
		{ReconciliationIncomplete, http.StatusConflict},
		{StoreUnavailable, http.StatusServiceUnavailable},
		{RateLimited, http.StatusTooManyRequests},
		{Internal, http.StatusInternalServerError},
		{Kind("bogus"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.kind))
		})
	}
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("handler: %w", New(Forbidden, "not yours"))
	assert.Equal(t, Forbidden, KindOf(err))
	assert.True(t, Is(err, Forbidden))
	assert.False(t, Is(err, InvalidRequest))
	assert.Equal(t, Internal, KindOf(fmt.Errorf("plain")))
}

func TestIncompleteNeverNilIDs(t *testing.T) {
	e := Incomplete("pay-1", nil, nil)
	assert.Equal(t, ReconciliationIncomplete, e.Kind)
	assert.NotNil(t, e.Unreconciled)
	assert.Empty(t, e.Unreconciled)
	assert.Equal(t, "pay-1", e.PaymentID)
	assert.Equal(t, http.StatusConflict, e.Status())
}
