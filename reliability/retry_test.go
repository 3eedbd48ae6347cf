package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRetryPolicyDelayCapsAtMax(t *testing.T) {
	p := RetryPolicy{InitialDelay: time.Second, MaxDelay: 4 * time.Second, Multiplier: 2.0}
	require.Equal(t, time.Second, p.Delay(1))
	require.Equal(t, 2*time.Second, p.Delay(2))
	require.Equal(t, 4*time.Second, p.Delay(3))
	require.Equal(t, 4*time.Second, p.Delay(10))
}

func TestRetryPolicyJitterFractionStaysBounded(t *testing.T) {
	p := RetryPolicy{InitialDelay: 10 * time.Second, MaxDelay: time.Minute, Multiplier: 2, JitterFraction: 0.5}
	for i := 0; i < 20; i++ {
		d := p.Delay(1)
		require.GreaterOrEqual(t, d, 5*time.Second)
		require.LessOrEqual(t, d, 15*time.Second)
	}
}

func TestBackpressureAvailableSlots(t *testing.T) {
	p := BackpressurePolicy{MaxConcurrency: 10, SoftLimitFraction: 0.8}
	require.Equal(t, 10, p.AvailableSlots(0))
	require.Equal(t, 2, p.AvailableSlots(8))
	require.Equal(t, 0, p.AvailableSlots(15))
}

func TestBackpressureClaimBatchShrinksNearSoftLimit(t *testing.T) {
	p := BackpressurePolicy{MaxConcurrency: 10, SoftLimitFraction: 0.8}
	require.Equal(t, 10, p.ClaimBatchSize(0))
	require.Equal(t, 1, p.ClaimBatchSize(8))
	require.Equal(t, 0, p.ClaimBatchSize(10))
}
