package persistence

import (
	"crypto/md5"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// TaskKey maps a task identity (an absolute workspace path) to its document namespace:
// the first 8 hex chars of md5(taskID) plus the human-readable folder name.
func TaskKey(taskID string) string {
	sum := md5.Sum([]byte(taskID))
	hash := hex.EncodeToString(sum[:])[:8]

	base := filepath.Base(filepath.Clean(filepath.ToSlash(taskID)))
	base = sanitize(base)
	if base == "" {
		base = "task"
	}
	return hash + "_" + base
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == '.' || r == ' ':
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}

// StackKey is the serialized CallStack document.
func StackKey(taskKey string) string { return taskKey + "_stack" }

// ShareContextKey is the serialized SharedContext document.
func ShareContextKey(taskKey string) string { return taskKey + "_share_context" }

// ActionsKey is the action log + snapshot document of one call node.
func ActionsKey(taskKey, nodeID string) string { return taskKey + "_" + nodeID + "_actions" }

// ActionsPrefix lists every action log of a task.
func ActionsPrefix(taskKey string) string { return taskKey + "_" }

// HILPointerKey records the pending HIL id of a task, if any.
func HILPointerKey(taskKey string) string { return taskKey + "_hil" }

// HILKey is one HIL task record.
func HILKey(hilID string) string { return "hil_" + hilID }

// ConfirmKey is one tool confirmation record.
func ConfirmKey(confirmID string) string { return "confirm_" + confirmID }

// ConfirmPrefix lists every confirmation record.
const ConfirmPrefix = "confirm_"

// LockKey is the single-writer lease of a task.
func LockKey(taskKey string) string { return "lock_" + taskKey }
