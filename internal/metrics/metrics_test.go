package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	EventsIngested.WithLabelValues("accepted").Inc()
	EscrowHeld.WithLabelValues("disputed", "USD").Add(100)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	assert.True(t, strings.Contains(text, `royalties_events_ingested_total{result="accepted"}`))
	assert.True(t, strings.Contains(text, `royalties_escrow_held_minor_units_total{currency="USD",reason="disputed"} 100`))
}
