package filesystem

import (
	"path/filepath"
	"sort"

	"github.com/trickstertwo/xrelay"
)

// DeadLetter is a record parked in a queue's dead-letter directory.
type DeadLetter struct {
	File      *MessageFile
	Message   *xrelay.Message
	Principal string
	// Err is set when the record itself cannot be parsed.
	Err error
}

// DeadLetters lists the dead-lettered records of the queue at queueDir,
// sorted by file name.
func DeadLetters(queueDir string) ([]DeadLetter, error) {
	paths, err := filepath.Glob(filepath.Join(queueDir, DeadLetterDir, "*"+RecordExt))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := make([]DeadLetter, 0, len(paths))
	for _, p := range paths {
		f := OpenMessageFile(p)
		msg, principal, err := f.ReadMessage()
		out = append(out, DeadLetter{File: f, Message: msg, Principal: principal, Err: err})
	}
	return out, nil
}

// Requeue moves a dead-lettered record back into queueDir. The queue picks
// it up the next time it is initialized.
func Requeue(dl *MessageFile, queueDir string) (*MessageFile, error) {
	return dl.MoveTo(queueDir)
}
