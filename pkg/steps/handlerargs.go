package steps

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// WriteHandlerArgsFile writes inputs as the JSON argument file the task
// handler invocation contract (`<handlerPath> <jsonArgsFile>`) expects, in
// its own throwaway directory. The returned cleanup removes that directory;
// callers must invoke it once the handler has exited.
func WriteHandlerArgsFile(inputs map[string]string) (path string, cleanup func(), err error) {
	dir, err := os.MkdirTemp("", "fleetagent-args-")
	if err != nil {
		return "", nil, err
	}
	cleanup = func() { _ = os.RemoveAll(dir) }

	data, err := json.Marshal(inputs)
	if err != nil {
		cleanup()
		return "", nil, err
	}

	path = filepath.Join(dir, "args.json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		cleanup()
		return "", nil, err
	}
	return path, cleanup, nil
}
