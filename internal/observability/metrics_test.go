package observability

import "testing"

func TestRootCollection(t *testing.T) {
	cases := map[string]string{
		"users":                      "users",
		"chatRooms/r1/messages":      "chatRooms/messages",
		"chatSessions/dm_x/messages": "chatSessions/messages",
		"a/b/c/d/e":                  "a/c/e",
	}
	for in, want := range cases {
		if got := RootCollection(in); got != want {
			t.Fatalf("RootCollection(%q) = %q; want %q", in, got, want)
		}
	}
}

func TestTracer_NotNil(t *testing.T) {
	if Tracer("rooms") == nil {
		t.Fatalf("expected tracer")
	}
}
