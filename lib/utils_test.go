package lib

import (
	"testing"
)

func TestIsGreater(t *testing.T) {
	// Test cases where the first number is greater than the second
	testCases := []struct {
		seq1     uint32
		seq2     uint32
		expected bool
	}{
		{seq1: 10, seq2: 5, expected: true},  // Direct comparison
		{seq1: 5, seq2: 10, expected: false}, // Direct comparison
		//{seq1: 4294967295, seq2: 5, expected: true},          // Wrap-around case
		{seq1: 5, seq2: 4294967295, expected: true},           // Inverse wrap-around case
		{seq1: 4294967295, seq2: 5, expected: false},          // Inverse wrap-around case
		{seq1: 2147483647, seq2: 2147483646, expected: true},  // Close to wrap-around boundary
		{seq1: 2147483646, seq2: 2147483647, expected: false}, // Close to wrap-around boundary
		{seq1: 0, seq2: 4294967295, expected: true},           // Full wrap-around
		{seq1: 4294967295, seq2: 0, expected: false},          // Full wrap-around
	}

	for _, tc := range testCases {
		result := isGreater(tc.seq1, tc.seq2)
		if result != tc.expected {
			t.Errorf("For (%d, %d), expected %t, but got %t", tc.seq1, tc.seq2, tc.expected, result)
		}
	}
}

func TestSeqBetween(t *testing.T) {
	testCases := []struct {
		seq, lo, hi uint32
		expected    bool
	}{
		{seq: 100, lo: 100, hi: 200, expected: true},
		{seq: 200, lo: 100, hi: 200, expected: true},
		{seq: 201, lo: 100, hi: 200, expected: false},
		{seq: 99, lo: 100, hi: 200, expected: false},
		{seq: 5, lo: 4294967290, hi: 10, expected: true}, // window wraps
		{seq: 11, lo: 4294967290, hi: 10, expected: false},
	}

	for _, tc := range testCases {
		if got := seqBetween(tc.seq, tc.lo, tc.hi); got != tc.expected {
			t.Errorf("seqBetween(%d, %d, %d) = %t, expected %t", tc.seq, tc.lo, tc.hi, got, tc.expected)
		}
	}
}

func TestSeqIncrementWraps(t *testing.T) {
	if got := SeqIncrement(4294967295); got != 0 {
		t.Errorf("SeqIncrement wrap: got %d", got)
	}
	if got := SeqIncrementBy(4294967290, 10); got != 4 {
		t.Errorf("SeqIncrementBy wrap: got %d", got)
	}
}

func TestTimeoutError(t *testing.T) {
	err := newTimeoutError("retransmit exhausted")
	if !err.Timeout() || err.Temporary() {
		t.Errorf("unexpected net.Error behaviour: %+v", err)
	}
	if err.Error() != "retransmit exhausted" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
