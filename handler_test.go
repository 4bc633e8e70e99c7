package tunnelcert

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/caasmo/restinpieces/db"
	"github.com/caasmo/restinpieces/queue/executor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The scheduler only accepts executor.JobHandler implementations.
var _ executor.JobHandler = (*RenewalHandler)(nil)

func TestRenewalHandlerRunsRenewal(t *testing.T) {
	f := newFixture(t)
	f.settings.token = &TunnelToken{Name: "mygateway", Token: "abc123"}

	handler := NewRenewalHandler(f.manager, testLogger())
	job := db.Job{
		ID:           7,
		JobType:      "tunnel_certificate_renewal",
		ScheduledFor: time.Now(),
	}
	require.NoError(t, handler.Handle(context.Background(), job))

	require.Len(t, f.issuer.calls, 1)
	assert.Equal(t, ChallengeHTTP01, f.issuer.calls[0].challengeType)
	assert.Equal(t, 1, f.certs.writes)
}

func TestRenewalHandlerReportsFailureToQueue(t *testing.T) {
	f := newFixture(t)
	f.settings.token = &TunnelToken{Name: "mygateway", Token: "abc123"}
	f.issuer.err = fmt.Errorf("validation failed: %w", ErrChallenge)

	handler := NewRenewalHandler(f.manager, testLogger())
	err := handler.Handle(context.Background(), db.Job{ID: 8})
	require.ErrorIs(t, err, ErrChallenge)
}
