package term_test

import (
	"os"
	"testing"

	"github.com/bobuhiro11/mpdev/term"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	defer r.Close()
	defer w.Close()

	if term.IsTerminal(w.Fd()) {
		t.Fatalf("a pipe is not a terminal")
	}
}
