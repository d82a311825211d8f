package engine

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/dyad/internal/apperr"
	"github.com/starford/dyad/internal/model"
	"github.com/starford/dyad/internal/storage"
	"github.com/starford/dyad/internal/store"
	"github.com/starford/dyad/internal/testutil"
)

// tickClock advances one second per reading so timestamps are strictly ordered.
type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func pageDefinition(hooks model.Hooks) *model.Definition {
	return &model.Definition{
		Name: "PAGE",
		Fields: map[string]model.Field{
			"page_id":    {Kind: model.KindString, Primary: true},
			"project_id": {Kind: model.KindString, Required: true},
			"url":        {Kind: model.KindString, Required: true, Rule: model.Format(model.FormatURL)},
			"status":     {Kind: model.KindString, Default: "pending", Rule: model.Enumeration("pending", "done")},
			"title":      {Kind: model.KindString},
		},
		Options: model.Options{Timestamps: true, SoftDelete: true, UserTracking: true, RowAuth: true},
		Relational: model.RelationalBinding{
			Synced: []string{"page_id", "project_id", "url", "status", "user_id", "created_at", "updated_at", "deleted_at"},
		},
		Hooks: hooks,
	}
}

type testEnv struct {
	engine *Engine
	store  *store.Store
	fs     *storage.FS
	events []Event
	mu     sync.Mutex
}

func newTestEnv(t *testing.T, defs ...*model.Definition) *testEnv {
	t.Helper()
	if len(defs) == 0 {
		defs = []*model.Definition{pageDefinition(nil)}
	}
	reg := model.NewRegistry()
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	s, fs, db := testutil.TestStore(t)
	if err := db.BindModels(reg); err != nil {
		t.Fatal(err)
	}
	env := &testEnv{store: s, fs: fs}
	clock := &tickClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	env.engine = New(reg,
		WithLogger(testutil.Logger()),
		WithClock(clock.Now),
		WithObserver(func(_ context.Context, ev Event) {
			env.mu.Lock()
			env.events = append(env.events, ev)
			env.mu.Unlock()
		}))
	if _, err := env.engine.Initialize(context.Background(), s); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return env
}

func (env *testEnv) kinds() []EventKind {
	env.mu.Lock()
	defer env.mu.Unlock()
	out := make([]EventKind, len(env.events))
	for i, ev := range env.events {
		out[i] = ev.Kind
	}
	return out
}

var pageIDPattern = regexp.MustCompile(`^page:[0-9a-z]+[0-9a-z]{6}$`)

func TestCreatePage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, "PAGE", env.store, map[string]any{"project_id": "p1", "url": "https://x.dev"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Get("status") != "pending" {
		t.Errorf("status = %v, want default pending", rec.Get("status"))
	}
	if !pageIDPattern.MatchString(rec.ID()) {
		t.Errorf("page_id = %q, want page:<base36><6 chars>", rec.ID())
	}
	if rec.Get("created_at") == nil || rec.Get("created_at") != rec.Get("updated_at") {
		t.Errorf("created_at = %v, updated_at = %v", rec.Get("created_at"), rec.Get("updated_at"))
	}
	if rec.IsNew() || rec.Version() != 1 || len(rec.Changes()) != 0 {
		t.Errorf("after save: new=%v version=%d changes=%v", rec.IsNew(), rec.Version(), rec.Changes())
	}
}

func TestRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.store.Auth("alice")

	fields := map[string]any{"project_id": "p1", "url": "https://x.dev/a", "status": "done", "title": "Hello"}
	rec, err := env.engine.Create(ctx, "PAGE", alice, fields)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	loaded, err := env.engine.Get(ctx, "PAGE", alice, rec.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for k, v := range fields {
		if loaded.Get(k) != v {
			t.Errorf("%s = %v, want %v", k, loaded.Get(k), v)
		}
	}
	if loaded.Get("user_id") != "alice" {
		t.Errorf("user_id = %v", loaded.Get("user_id"))
	}
	if auth, _ := loaded.Get("_auth").([]any); len(auth) != 1 || auth[0] != "alice" {
		t.Errorf("_auth = %v", loaded.Get("_auth"))
	}
	if loaded.Get("created_at") != rec.Get("created_at") {
		t.Errorf("created_at changed across load")
	}
}

func TestValidationBlocksWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Create(ctx, "PAGE", env.store, map[string]any{"project_id": "p1", "status": "weird"})
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) || !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if len(verr.Errors) != 2 {
		t.Errorf("errors = %v, want url required and status enum", verr.Errors)
	}
	metas, _ := env.fs.List(ctx, "page", "")
	if len(metas) != 0 {
		t.Errorf("document written despite validation failure: %v", metas)
	}
}

func TestUnknownModel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Create(ctx, "NOPE", env.store, nil)
	if !errors.Is(err, apperr.ErrUnknownModel) || !strings.Contains(err.Error(), "PAGE") {
		t.Errorf("Create err = %v", err)
	}
	if _, err := env.engine.Get(ctx, "NOPE", env.store, "x"); !errors.Is(err, apperr.ErrUnknownModel) {
		t.Errorf("Get err = %v", err)
	}
	if err := env.engine.Delete(ctx, "NOPE", env.store, "x"); !errors.Is(err, apperr.ErrUnknownModel) {
		t.Errorf("Delete err = %v", err)
	}
	if _, err := env.engine.Query("NOPE", env.store); !errors.Is(err, apperr.ErrUnknownModel) {
		t.Errorf("Query err = %v", err)
	}
}

func TestSoftDeleteRestoreCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, "PAGE", env.store, map[string]any{"project_id": "p1", "url": "https://x.dev"})
	if err != nil {
		t.Fatal(err)
	}
	for i := range 2 {
		if err := rec.Delete(ctx); err != nil {
			t.Fatalf("Delete #%d: %v", i, err)
		}
		if !rec.Deleted() {
			t.Fatalf("Delete #%d did not set deleted_at", i)
		}
		if _, err := env.fs.Get(ctx, "page", storage.Key("PAGE", rec.ID())); err != nil {
			t.Fatalf("soft delete removed the document: %v", err)
		}
		if err := rec.Restore(ctx); err != nil {
			t.Fatalf("Restore #%d: %v", i, err)
		}
	}
	if rec.Get("deleted_at") != nil {
		t.Errorf("deleted_at = %v, want nil", rec.Get("deleted_at"))
	}
	loaded, err := env.engine.Get(ctx, "PAGE", env.store, rec.ID())
	if err != nil || loaded.Deleted() {
		t.Errorf("reloaded = %v, %v", loaded, err)
	}

	want := []EventKind{EventCreated, EventDeleted, EventRestored, EventDeleted, EventRestored}
	got := env.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestHardDelete(t *testing.T) {
	def := pageDefinition(nil)
	def.Options.SoftDelete = false
	def.Relational.Synced = []string{"page_id", "project_id", "url", "status", "user_id", "created_at", "updated_at"}
	env := newTestEnv(t, def)
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, "PAGE", env.store, map[string]any{"project_id": "p1", "url": "https://x.dev"})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.engine.Delete(ctx, "PAGE", env.store, rec.ID()); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := env.engine.Get(ctx, "PAGE", env.store, rec.ID()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Get after hard delete err = %v", err)
	}
	n, _ := env.store.Relational().QueryInt(ctx, "SELECT COUNT(*) FROM pages")
	if n != 0 {
		t.Errorf("relational row left behind: %d", n)
	}
	if err := rec.Restore(ctx); err == nil {
		t.Error("Restore without soft delete should fail")
	}
}

func TestAuthScoping(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice, bob := env.store.Auth("alice"), env.store.Auth("bob")

	rec, err := env.engine.Create(ctx, "PAGE", alice, map[string]any{"project_id": "p1", "url": "https://x.dev"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.engine.Get(ctx, "PAGE", bob, rec.ID()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("bob Get err = %v, want ErrNotFound", err)
	}
	if err := env.engine.Delete(ctx, "PAGE", bob, rec.ID()); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("bob Delete err = %v, want ErrNotFound", err)
	}

	q, _ := env.engine.Query("PAGE", bob)
	pg := q.IncludeDeleted().List(ctx)
	if pg.Error != "" || len(pg.Data) != 0 || pg.Pagination.Total != 0 {
		t.Errorf("bob query = %+v", pg)
	}
	q, _ = env.engine.Query("PAGE", alice)
	if pg := q.List(ctx); len(pg.Data) != 1 {
		t.Errorf("alice query = %+v", pg)
	}
}

func TestVersionConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, _ := env.engine.Create(ctx, "PAGE", env.store, map[string]any{"project_id": "p1", "url": "https://x.dev"})
	a, _ := env.engine.Get(ctx, "PAGE", env.store, rec.ID())
	b, _ := env.engine.Get(ctx, "PAGE", env.store, rec.ID())

	if err := a.Update(ctx, map[string]any{"title": "from a"}); err != nil {
		t.Fatalf("a.Update: %v", err)
	}
	err := b.Update(ctx, map[string]any{"title": "from b"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("b.Update err = %v, want ErrConflict", err)
	}
	loaded, _ := env.engine.Get(ctx, "PAGE", env.store, rec.ID())
	if loaded.Get("title") != "from a" {
		t.Errorf("title = %v, lost update", loaded.Get("title"))
	}

	dup, _ := env.engine.New("PAGE", env.store, map[string]any{"page_id": rec.ID(), "project_id": "p1", "url": "https://x.dev"})
	if err := dup.Save(ctx); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("duplicate create err = %v, want ErrConflict", err)
	}
}

func TestStaleDeleteKeepsState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, _ := env.engine.Create(ctx, "PAGE", env.store, map[string]any{"project_id": "p1", "url": "https://x.dev"})
	stale, _ := env.engine.Get(ctx, "PAGE", env.store, rec.ID())
	if err := rec.Update(ctx, map[string]any{"title": "moved on"}); err != nil {
		t.Fatal(err)
	}
	if err := stale.Delete(ctx); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("stale Delete err = %v, want ErrConflict", err)
	}
	if stale.Deleted() || stale.Get("deleted_at") != nil {
		t.Errorf("failed delete left deleted_at = %v", stale.Get("deleted_at"))
	}

	if err := rec.Delete(ctx); err != nil {
		t.Fatal(err)
	}
	staleDeleted, _ := env.engine.Get(ctx, "PAGE", env.store, rec.ID())
	at := staleDeleted.Get("deleted_at")
	if err := rec.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if err := staleDeleted.Restore(ctx); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("stale Restore err = %v, want ErrConflict", err)
	}
	if !staleDeleted.Deleted() || staleDeleted.Get("deleted_at") != at {
		t.Errorf("failed restore changed deleted_at to %v, want %v", staleDeleted.Get("deleted_at"), at)
	}
}

func TestKeyOnlyProjection(t *testing.T) {
	tag := &model.Definition{
		Name: "TAG",
		Fields: map[string]model.Field{
			"tag_id": {Kind: model.KindString, Primary: true},
			"label":  {Kind: model.KindString},
		},
		Relational: model.RelationalBinding{Synced: []string{"tag_id"}},
	}
	env := newTestEnv(t, tag)
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, "TAG", env.store, map[string]any{"label": "seo"})
	if err != nil {
		t.Fatal(err)
	}
	if err := rec.Update(ctx, map[string]any{"label": "sem"}); err != nil {
		t.Fatal(err)
	}
	if st := env.engine.Stats(); st.RelationalWrites != 2 || st.RelationalFailures != 0 {
		t.Errorf("stats = %+v", st)
	}
	n, err := env.store.Relational().QueryInt(ctx, "SELECT COUNT(*) FROM tags WHERE tag_id = ?", rec.ID())
	if err != nil || n != 1 {
		t.Errorf("rows = %d, %v", n, err)
	}
}

func TestHookIsolation(t *testing.T) {
	hooks := model.HookFuncs{
		model.AfterCreate: func(context.Context, *model.Event) error {
			return errors.New("mailer down")
		},
		model.BeforeUpdate: func(context.Context, *model.Event) error {
			panic("boom")
		},
	}
	env := newTestEnv(t, pageDefinition(hooks))
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, "PAGE", env.store, map[string]any{"project_id": "p1", "url": "https://x.dev"})
	if err != nil {
		t.Fatalf("Create with failing hook: %v", err)
	}
	if _, err := env.engine.Get(ctx, "PAGE", env.store, rec.ID()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := rec.Update(ctx, map[string]any{"title": "t"}); err != nil {
		t.Fatalf("Update with panicking hook: %v", err)
	}
}

func TestHookSequence(t *testing.T) {
	var (
		calls    []string
		beforeID = "unset"
	)
	record := func(name model.HookName) model.HookFunc {
		return func(_ context.Context, ev *model.Event) error {
			calls = append(calls, string(name))
			if name == model.BeforeCreate {
				beforeID = ev.ID
				ev.Data["title"] = "set by hook"
			}
			return nil
		}
	}
	hooks := model.HookFuncs{}
	for _, name := range []model.HookName{model.BeforeCreate, model.AfterCreate, model.BeforeUpdate, model.AfterUpdate, model.BeforeDelete, model.AfterDelete, model.AfterGet} {
		hooks[name] = record(name)
	}
	env := newTestEnv(t, pageDefinition(hooks))
	ctx := context.Background()

	rec, err := env.engine.Create(ctx, "PAGE", env.store, map[string]any{"project_id": "p1", "url": "https://x.dev"})
	if err != nil {
		t.Fatal(err)
	}
	if beforeID != "" {
		t.Errorf("beforeCreate saw id %q, want none assigned yet", beforeID)
	}
	if rec.Get("title") != "set by hook" {
		t.Errorf("before-hook change not persisted: %v", rec.Get("title"))
	}
	if _, err := env.engine.Get(ctx, "PAGE", env.store, rec.ID()); err != nil {
		t.Fatal(err)
	}
	if err := rec.Delete(ctx); err != nil {
		t.Fatal(err)
	}

	want := "beforeCreate afterCreate afterGet beforeDelete beforeUpdate afterUpdate afterDelete"
	if got := strings.Join(calls, " "); got != want {
		t.Errorf("hooks = %s\nwant   %s", got, want)
	}
}

func TestRelationalFailureIsCounted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.store.Execute(ctx, "DROP TABLE pages"); err != nil {
		t.Fatal(err)
	}
	rec, err := env.engine.Create(ctx, "PAGE", env.store, map[string]any{"project_id": "p1", "url": "https://x.dev"})
	if err != nil {
		t.Fatalf("Create must survive relational failure: %v", err)
	}
	if _, err := env.engine.Get(ctx, "PAGE", env.store, rec.ID()); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if st := env.engine.Stats(); st.RelationalFailures != 1 || st.RelationalWrites != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestUpdateReinsertsMissingRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, _ := env.engine.Create(ctx, "PAGE", env.store, map[string]any{"project_id": "p1", "url": "https://x.dev"})
	if _, err := env.store.Execute(ctx, "DELETE FROM pages"); err != nil {
		t.Fatal(err)
	}
	if err := rec.Update(ctx, map[string]any{"status": "done"}); err != nil {
		t.Fatal(err)
	}
	q, _ := env.engine.Query("PAGE", env.store)
	p, err := q.Where("page_id", rec.ID()).First(ctx)
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if v, _ := p.Get("status"); v != "done" {
		t.Errorf("status = %v", v)
	}
	if st := env.engine.Stats(); st.RelationalWrites != 2 || st.RelationalFailures != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestGenerateSchema(t *testing.T) {
	env := newTestEnv(t)
	ddl, err := env.engine.GenerateSchema("PAGE")
	if err != nil || !strings.HasPrefix(ddl, "CREATE TABLE IF NOT EXISTS pages (") {
		t.Errorf("GenerateSchema = %q, %v", ddl, err)
	}
	if all := env.engine.GenerateAllSchemas(); !strings.Contains(all, ddl) {
		t.Errorf("GenerateAllSchemas missing PAGE")
	}
	if _, err := env.engine.GenerateSchema("NOPE"); !errors.Is(err, apperr.ErrUnknownModel) {
		t.Errorf("err = %v", err)
	}
}
