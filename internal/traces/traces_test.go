package traces

import (
	"testing"

	"github.com/storesync/replicator/config"
	"github.com/stretchr/testify/assert"
)

func TestParseHeaders(t *testing.T) {
	assert.Equal(t, map[string]string{"api-key": "abc", "x-team": "ops"}, parseHeaders("api-key=abc, x-team=ops"))
	assert.Empty(t, parseHeaders(""))
	assert.Empty(t, parseHeaders("novalue,=empty"))
}

func TestExporterOptions(t *testing.T) {
	assert.Len(t, exporterOptions(config.OtelExporter{}), 0)
	assert.Len(t, exporterOptions(config.OtelExporter{Endpoint: "https://otel.example.com/"}), 1)
	assert.Len(t, exporterOptions(config.OtelExporter{Endpoint: "http://collector:4318", Headers: "k=v"}), 3)
}
