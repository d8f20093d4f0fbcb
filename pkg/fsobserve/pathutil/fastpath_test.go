package pathutil

import "testing"

// dirPanicFree is a wrapper around Dir that tracks panics.
func dirPanicFree(path string, panicked *bool) string {
	defer func() {
		if recover() != nil {
			*panicked = true
		}
	}()
	return Dir(path)
}

func TestDir(t *testing.T) {
	testCases := []struct {
		path        string
		expected    string
		expectPanic bool
	}{
		{"", "", true},
		{"/a", "", true},
		{"a", "", false},
		{"a/b", "a", false},
		{"a/b/c", "a/b", false},
	}

	for _, testCase := range testCases {
		var panicked bool
		if result := dirPanicFree(testCase.path, &panicked); result != testCase.expected {
			t.Errorf("Dir(%q) = %q, expected %q", testCase.path, result, testCase.expected)
		}
		if panicked != testCase.expectPanic {
			t.Errorf("Dir(%q) panic = %v, expected %v", testCase.path, panicked, testCase.expectPanic)
		}
	}
}

func basePanicFree(path string, panicked *bool) string {
	defer func() {
		if recover() != nil {
			*panicked = true
		}
	}()
	return Base(path)
}

func TestBase(t *testing.T) {
	testCases := []struct {
		path        string
		expected    string
		expectPanic bool
	}{
		{"", "", false},
		{"a/", "", true},
		{"a", "a", false},
		{"a/b", "b", false},
		{"a/b/c", "c", false},
	}

	for _, testCase := range testCases {
		var panicked bool
		if result := basePanicFree(testCase.path, &panicked); result != testCase.expected {
			t.Errorf("Base(%q) = %q, expected %q", testCase.path, result, testCase.expected)
		}
		if panicked != testCase.expectPanic {
			t.Errorf("Base(%q) panic = %v, expected %v", testCase.path, panicked, testCase.expectPanic)
		}
	}
}

func TestLess(t *testing.T) {
	testCases := []struct {
		first    string
		second   string
		expected bool
	}{
		{"", "", false},
		{"a", "", false},
		{"", "a", true},
		{"a", "a", false},
		{"a/b", "b", true},
		{"b", "a/b", false},
		{"a/b", "a/b", false},
		{"a/b/c", "a", false},
		{"a/b/c", "a/b", false},
		{"a", "a/b/c", true},
		{"a/b", "a/b/c", true},
		{"a/b/c", "a/b/c", false},
		{"a/b/c", "a/d/c", true},
		{"a/b/c", "a/b/cd", true},
		{"a/b/cd", "a/b/c", false},
		{"a/b/c", "a/e/cd", true},
		{"a/e/cd", "a/b/c", false},
	}

	for _, testCase := range testCases {
		if result := Less(testCase.first, testCase.second); result != testCase.expected {
			t.Errorf("Less(%q, %q) = %v, expected %v",
				testCase.first, testCase.second, result, testCase.expected)
		}
	}
}

func TestJoinRoundTrip(t *testing.T) {
	paths := []string{"a", "a/b", "a/b/c"}
	for _, p := range paths {
		if got := Join(Dir(p), Base(p)); got != p {
			t.Errorf("Join(Dir(%q), Base(%q)) = %q, expected %q", p, p, got, p)
		}
	}
}

func TestIsWithin(t *testing.T) {
	if !IsWithin("", "a/b") {
		t.Error("empty root should contain everything")
	}
	if !IsWithin("a", "a") {
		t.Error("root should contain itself")
	}
	if !IsWithin("a", "a/b") {
		t.Error("a/b should be within a")
	}
	if IsWithin("a", "ab") {
		t.Error("ab should not be within a")
	}
}

func TestTableInternSharesBacking(t *testing.T) {
	table := NewTable()
	first := table.Intern("foo")
	second := table.Intern("foo")
	if !first.Equal(second) {
		t.Error("expected interned names to be equal")
	}
	if first.Hash() != second.Hash() {
		t.Error("expected interned names to share a hash")
	}
}
