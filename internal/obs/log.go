package obs

import (
	"encoding/json"
	"log"
	"os"
	"sync"
)

var (
	sharedOnce sync.Once
	shared     *log.Logger
)

// Logger returns the process-wide logger. Request logs, audit records and
// lifecycle messages all pass through it so the service emits one
// machine-readable stream on stdout.
func Logger() *log.Logger {
	sharedOnce.Do(func() {
		shared = log.New(os.Stdout, "", 0)
	})
	return shared
}

// LogRequest writes one JSON line describing a handled HTTP request. Fields
// that fail to marshal must not take the request down with them, so the
// fallback line is pre-encoded.
func LogRequest(fields map[string]any) {
	data, err := json.Marshal(fields)
	if err != nil {
		Logger().Println(`{"level":"error","msg":"request log marshal failed"}`)
		return
	}
	Logger().Println(string(data))
}
