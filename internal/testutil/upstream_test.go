package testutil

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestUpstream_SequenceAndEcho(t *testing.T) {
	u := NewUpstream()
	defer u.Close()

	u.SetSequence("/flaky", Status(http.StatusBadGateway), JSON(`{"ok":true}`))

	codes := []int{}
	for i := 0; i < 3; i++ {
		resp, err := http.Get(u.URL() + "/flaky")
		if err != nil {
			t.Fatalf("GET: %v", err)
		}
		resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != 502 || codes[1] != 200 || codes[2] != 200 {
		t.Errorf("codes = %v, want [502 200 200]", codes)
	}

	resp, err := http.Post(u.URL()+"/echo?x=1", "application/json", strings.NewReader(`{"a":1}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `"path":"/echo"`) || !strings.Contains(string(body), `"query":"x=1"`) {
		t.Errorf("echo body = %s", body)
	}

	if got := u.Requests("/flaky"); got != 3 {
		t.Errorf("Requests(/flaky) = %d, want 3", got)
	}
	if got := u.Requests(""); got != 4 {
		t.Errorf("Requests() = %d, want 4", got)
	}
	last, lastBody := u.LastRequest()
	if last.Method != http.MethodPost || string(lastBody) != `{"a":1}` {
		t.Errorf("last request = %s %s", last.Method, lastBody)
	}
}
