package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/nidhogg/knirv-skillnet/internal/cognitive"
	"github.com/nidhogg/knirv-skillnet/internal/registry"
	"github.com/nidhogg/knirv-skillnet/internal/training"
)

type fakeNotifier struct {
	platform   string
	connectErr error
	notifyErr  error

	mu      sync.Mutex
	notices []*Notice
}

func (f *fakeNotifier) Platform() string              { return f.platform }
func (f *fakeNotifier) Connect(context.Context) error { return f.connectErr }
func (f *fakeNotifier) Close() error                  { return nil }
func (f *fakeNotifier) Notify(_ context.Context, n *Notice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, n)
	return f.notifyErr
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster("agent-1", zap.NewNop())
	a := &fakeNotifier{platform: "slack"}
	c := &fakeNotifier{platform: "discord"}
	b.Register(a)
	b.Register(c)

	if err := b.Send(context.Background(), &Notice{Kind: KindSkillFound, Title: "t"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(a.notices) != 1 || len(c.notices) != 1 {
		t.Errorf("fan out = %d/%d", len(a.notices), len(c.notices))
	}

	if err := b.Send(context.Background(), &Notice{Kind: KindSkillFound, Platforms: []string{"discord"}}); err != nil {
		t.Fatalf("targeted send: %v", err)
	}
	if len(a.notices) != 1 || len(c.notices) != 2 {
		t.Errorf("targeted = %d/%d", len(a.notices), len(c.notices))
	}

	h := b.History(0)
	if len(h) != 2 || strings.Join(h[0].Targets, ",") != "discord,slack" {
		t.Errorf("history = %+v", h)
	}
}

func TestBroadcasterErrors(t *testing.T) {
	b := NewBroadcaster("agent-1", zap.NewNop())
	if err := b.Send(context.Background(), &Notice{}); err == nil {
		t.Error("missing kind should fail")
	}

	b.Register(&fakeNotifier{platform: "slack", notifyErr: errors.New("rate limited")})
	b.Register(&fakeNotifier{platform: "discord", connectErr: errors.New("bad token")})
	if err := b.ConnectAll(context.Background()); err == nil {
		t.Error("connect error not reported")
	}
	if got := b.Platforms(); len(got) != 1 || got[0] != "slack" {
		t.Errorf("platforms after connect = %v", got)
	}
	if err := b.Send(context.Background(), &Notice{Kind: KindTrainingFailed}); err == nil {
		t.Error("notify error not reported")
	}
}

func TestBroadcasterQueueListener(t *testing.T) {
	b := NewBroadcaster("agent-1", zap.NewNop())
	f := &fakeNotifier{platform: "slack"}
	b.Register(f)

	ds := cognitive.Dataset{ID: "ds", ErrorType: "TypeError"}
	b.JobRetrying(training.Job{QueueID: "q0", Dataset: ds})
	b.JobCompleted(training.Job{QueueID: "q1", Dataset: ds,
		Result: &registry.DiscoveryResult{SkillFound: true, SkillURI: "knirv://skill/fix"}})
	b.JobFailed(training.Job{QueueID: "q2", Dataset: ds, RetryCount: 4, LastError: "core down"})

	if len(f.notices) != 2 {
		t.Fatalf("notices = %d, want 2", len(f.notices))
	}
	if f.notices[0].Kind != KindTrainingCompleted || !strings.Contains(f.notices[0].Content, "knirv://skill/fix") {
		t.Errorf("completed notice = %+v", f.notices[0])
	}
	if f.notices[1].Kind != KindTrainingFailed || !strings.Contains(f.notices[1].Content, "core down") {
		t.Errorf("failed notice = %+v", f.notices[1])
	}
}

func TestSlackNotifier(t *testing.T) {
	var mu sync.Mutex
	var posted []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/auth.test":
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "team": "knirv", "user": "bot"})
		case "/chat.postMessage":
			mu.Lock()
			posted = append(posted, r.FormValue("channel")+"|"+r.FormValue("text"))
			mu.Unlock()
			_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "channel": "C1", "ts": "1.0"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewSlack("xoxb-test", "C1", zap.NewNop(), slack.OptionAPIURL(srv.URL+"/"))
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := s.Notify(context.Background(), &Notice{Kind: KindSkillFound, Title: "found", Content: "knirv://skill/fix"}); err != nil {
		t.Fatalf("notify: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(posted) != 1 || !strings.HasPrefix(posted[0], "C1|") || !strings.Contains(posted[0], "knirv://skill/fix") {
		t.Errorf("posted = %v", posted)
	}
}
