package timing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimer_RecordsEachPhase(t *testing.T) {
	tm := NewTimer()

	tm.StartDNS()
	time.Sleep(time.Millisecond)
	tm.EndDNS()

	tm.StartTCP()
	time.Sleep(time.Millisecond)
	tm.EndTCP()

	tm.StartTLS()
	time.Sleep(time.Millisecond)
	tm.EndTLS()

	m := tm.GetMetrics()
	assert.Greater(t, m.DNSLookup, time.Duration(0))
	assert.Greater(t, m.TCPConnect, time.Duration(0))
	assert.Greater(t, m.TLSHandshake, time.Duration(0))
	assert.GreaterOrEqual(t, m.TotalTime, m.DNSLookup+m.TCPConnect+m.TLSHandshake)
	assert.Equal(t, m.DNSLookup+m.TCPConnect+m.TLSHandshake, m.GetConnectionTime())
}

func TestTimer_UnstartedPhaseStaysZero(t *testing.T) {
	tm := NewTimer()
	m := tm.GetMetrics()
	assert.Zero(t, m.DNSLookup)
	assert.Zero(t, m.TCPConnect)
	assert.Zero(t, m.TLSHandshake)
}

func TestMetrics_String_IncludesEachField(t *testing.T) {
	m := Metrics{DNSLookup: time.Millisecond, TCPConnect: 2 * time.Millisecond}
	s := m.String()
	assert.Contains(t, s, "DNSLookup")
	assert.Contains(t, s, "TCPConnect")
}
