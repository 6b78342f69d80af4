package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/berth/internal/shipohoy"
	"pkt.systems/berth/schema"
)

func seedImages(h *harness) {
	created := time.Unix(1700000000, 0)
	h.rt.AddImage(shipohoy.ImageSummary{ID: "sha256:0123456789abcdef0123", RepoTags: []string{"app:latest", "app:v2"}, Size: 2_500_000, Created: created})
	h.rt.AddImage(shipohoy.ImageSummary{ID: "sha256:1111111111111111", RepoTags: []string{"nginx:latest"}, Size: 1_000_000, Created: created})
	h.rt.AddImage(shipohoy.ImageSummary{ID: "sha256:2222222222222222", RepoTags: []string{"<none>:<none>"}, Size: 10})
	h.rt.AddImage(shipohoy.ImageSummary{ID: "sha256:3333333333333333", Size: 20})
}

func imageKeys(images []schema.Image) map[string]schema.Image {
	out := make(map[string]schema.Image, len(images))
	for _, img := range images {
		out[img.Key()] = img
	}
	return out
}

func TestListImagesHidesOthersPrivateImages(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seedImages(h)
	h.putMeta(t, "app:latest", schema.ImageMeta{OwnerID: bob.ID, Visibility: schema.VisibilityPrivate, Category: "Personal"})

	cases := []struct {
		who  schema.Principal
		want []string
	}{
		{who: alice, want: []string{"app:v2", "nginx:latest"}},
		{who: bob, want: []string{"app:latest", "app:v2", "nginx:latest"}},
		{who: admin, want: []string{"app:latest", "app:v2", "nginx:latest"}},
	}
	for _, tc := range cases {
		images, err := h.svc.ListImages(ctx, tc.who)
		if err != nil {
			t.Fatalf("list for %s: %v", tc.who.Username, err)
		}
		got := imageKeys(images)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.who.Username, tc.want, images)
		}
		for _, key := range tc.want {
			if _, ok := got[key]; !ok {
				t.Fatalf("%s: missing %s in %v", tc.who.Username, key, images)
			}
		}
	}
}

func TestListImagesShape(t *testing.T) {
	h := newHarness(t, Config{})
	seedImages(h)
	h.putMeta(t, "app:latest", schema.ImageMeta{OwnerID: alice.ID, Visibility: schema.VisibilityPrivate, AccessLevel: schema.AccessVIP, Category: "Personal", Description: "Built from x"})
	images, err := h.svc.ListImages(context.Background(), alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	got := imageKeys(images)
	app := got["app:latest"]
	if app.ID != "0123456789ab" || app.Size != "2.50 MB" || app.Created != 1700000000 {
		t.Fatalf("unexpected runtime fields: %+v", app)
	}
	if app.OwnerID != alice.ID || app.Visibility != schema.VisibilityPrivate || app.AccessLevel != schema.AccessVIP || app.Description != "Built from x" {
		t.Fatalf("unexpected meta fields: %+v", app)
	}
	nginx := got["nginx:latest"]
	if nginx.OwnerID != schema.SystemOwner || nginx.Visibility != schema.VisibilityPublic || nginx.AccessLevel != schema.AccessFree {
		t.Fatalf("unexpected defaults: %+v", nginx)
	}
}

func TestSaveImageMetaMergesAndKeepsOwner(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.putMeta(t, "app:latest", schema.ImageMeta{
		OwnerID:     alice.ID,
		Visibility:  schema.VisibilityPrivate,
		AccessLevel: schema.AccessFree,
		Category:    "Personal",
		Description: "old",
	})
	description := "new"
	public := schema.VisibilityPublic
	intruder := bob.ID
	saved, err := h.svc.SaveImageMeta(ctx, alice, schema.SaveMetaRequest{
		ID:   "app",
		Meta: schema.MetaUpdate{Description: &description, Visibility: &public, OwnerID: &intruder},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	stored, ok, err := h.store.ImageMeta(ctx, "app:latest")
	if err != nil || !ok {
		t.Fatalf("read back: ok=%v err=%v", ok, err)
	}
	want := schema.ImageMeta{
		OwnerID:     alice.ID,
		Visibility:  schema.VisibilityPublic,
		AccessLevel: schema.AccessFree,
		Category:    "Personal",
		Description: "new",
	}
	if stored.OwnerID != want.OwnerID || stored.Visibility != want.Visibility || stored.AccessLevel != want.AccessLevel ||
		stored.Category != want.Category || stored.Description != want.Description {
		t.Fatalf("unexpected stored meta: %+v", stored)
	}
	if saved.Description != "new" || saved.OwnerID != alice.ID {
		t.Fatalf("unexpected returned meta: %+v", saved)
	}
}

func TestSaveImageMetaPolicy(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	h.putMeta(t, "app:latest", schema.ImageMeta{OwnerID: alice.ID, Visibility: schema.VisibilityPrivate})
	level := schema.AccessVIP
	child := "redis:7"
	category := "Tools"
	bogus := schema.Visibility("secret")

	cases := []struct {
		name string
		who  schema.Principal
		req  schema.SaveMetaRequest
		want error
	}{
		{name: "owner restricted access level", who: alice, req: schema.SaveMetaRequest{ID: "app:latest", Meta: schema.MetaUpdate{AccessLevel: &level}}, want: schema.ErrForbidden},
		{name: "owner restricted child image", who: alice, req: schema.SaveMetaRequest{ID: "app:latest", Meta: schema.MetaUpdate{ChildImage: &child}}, want: schema.ErrForbidden},
		{name: "non owner", who: bob, req: schema.SaveMetaRequest{ID: "app:latest", Meta: schema.MetaUpdate{Category: &category}}, want: schema.ErrForbidden},
		{name: "unknown key as free", who: alice, req: schema.SaveMetaRequest{ID: "nginx", Meta: schema.MetaUpdate{Category: &category}}, want: schema.ErrForbidden},
		{name: "invalid visibility", who: alice, req: schema.SaveMetaRequest{ID: "app:latest", Meta: schema.MetaUpdate{Visibility: &bogus}}, want: schema.ErrInvalidInput},
		{name: "missing id", who: alice, req: schema.SaveMetaRequest{Meta: schema.MetaUpdate{Category: &category}}, want: schema.ErrInvalidInput},
		{name: "owner category", who: alice, req: schema.SaveMetaRequest{ID: "app:latest", Meta: schema.MetaUpdate{Category: &category}}},
		{name: "elevated restricted", who: admin, req: schema.SaveMetaRequest{ID: "app:latest", Meta: schema.MetaUpdate{AccessLevel: &level, ChildImage: &child}}},
		{name: "elevated unknown key", who: admin, req: schema.SaveMetaRequest{ID: "nginx", Meta: schema.MetaUpdate{Category: &category}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.SaveImageMeta(ctx, tc.who, tc.req)
			if tc.want == nil && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tc.want != nil && !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	meta, _, err := h.store.ImageMeta(ctx, "app:latest")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if meta.OwnerID != alice.ID || meta.AccessLevel != schema.AccessVIP || meta.ChildImage != "redis:7" || meta.Category != "Tools" {
		t.Fatalf("unexpected final meta: %+v", meta)
	}
	system, ok, err := h.store.ImageMeta(ctx, "nginx:latest")
	if err != nil || !ok {
		t.Fatalf("elevated create missing: ok=%v err=%v", ok, err)
	}
	if system.Owner() != schema.SystemOwner {
		t.Fatalf("expected system owner, got %q", system.Owner())
	}
}

func TestImageMetaHidesOthersPrivateEntries(t *testing.T) {
	h := newHarness(t, Config{})
	h.putMeta(t, "mine:latest", schema.ImageMeta{OwnerID: alice.ID, Visibility: schema.VisibilityPrivate})
	h.putMeta(t, "theirs:latest", schema.ImageMeta{OwnerID: bob.ID, Visibility: schema.VisibilityPrivate})
	h.putMeta(t, "shared:latest", schema.ImageMeta{OwnerID: bob.ID, Visibility: schema.VisibilityPublic})
	metas, err := h.svc.ImageMeta(context.Background(), alice)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if _, ok := metas["theirs:latest"]; ok || len(metas) != 2 {
		t.Fatalf("unexpected entries: %v", metas)
	}
	all, err := h.svc.ImageMeta(context.Background(), admin)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 entries for admin, got %d", len(all))
	}
}

func TestDeleteImage(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seedImages(h)
	h.putMeta(t, "app:latest", schema.ImageMeta{OwnerID: alice.ID, Visibility: schema.VisibilityPrivate})

	if err := h.svc.DeleteImage(ctx, bob, "app:latest"); !errors.Is(err, schema.ErrForbidden) {
		t.Fatalf("expected forbidden for non owner, got %v", err)
	}
	if err := h.svc.DeleteImage(ctx, alice, "nginx:latest"); !errors.Is(err, schema.ErrForbidden) {
		t.Fatalf("expected forbidden for system image, got %v", err)
	}
	if err := h.svc.DeleteImage(ctx, alice, "app:latest"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := h.store.ImageMeta(ctx, "app:latest"); ok {
		t.Fatalf("meta not removed")
	}
	images, err := h.svc.ListImages(ctx, admin)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, ok := imageKeys(images)["app:latest"]; ok {
		t.Fatalf("runtime tag not removed")
	}
	if err := h.svc.DeleteImage(ctx, admin, "nginx"); err != nil {
		t.Fatalf("admin delete: %v", err)
	}

	h.rt.Fail["remove_image"] = errors.New("image in use")
	if err := h.svc.DeleteImage(ctx, admin, "app:v2"); !errors.Is(err, schema.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestPruneImagesElevatedOnly(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	seedImages(h)
	if _, err := h.svc.PruneImages(ctx, alice); !errors.Is(err, schema.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	resp, err := h.svc.PruneImages(ctx, admin)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if !resp.Success || len(resp.Report.ImagesDeleted) != 1 || resp.Report.SpaceReclaimed != 20 {
		t.Fatalf("unexpected prune report: %+v", resp)
	}
}
