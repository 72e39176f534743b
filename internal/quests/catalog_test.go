package quests

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/rewards"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
)

func TestCreateRejectsInvalidDefinitions(t *testing.T) {
	harness := newTestHarness(t)
	group := harness.createGroup(t, "owner", "member")
	valid := func() Definition {
		return Definition{
			Title:         "Read more",
			ActivityKind:  ActivityReadBook,
			TargetCount:   2,
			StartsAt:      testNow.Add(-time.Hour),
			EndsAt:        testNow.Add(time.Hour),
			Scope:         PersonalScope{CreatorID: "reader"},
			Participation: ParticipationPersonal,
		}
	}

	testCases := []struct {
		name    string
		actorID string
		mutate  func(*Definition)
		wantErr error
	}{
		{name: "empty-title", actorID: "reader", mutate: func(d *Definition) { d.Title = "  " }, wantErr: ErrInvalidDefinition},
		{name: "unknown-kind", actorID: "reader", mutate: func(d *Definition) { d.ActivityKind = "sing" }, wantErr: ErrInvalidDefinition},
		{name: "zero-target", actorID: "reader", mutate: func(d *Definition) { d.TargetCount = 0 }, wantErr: ErrInvalidDefinition},
		{name: "inverted-window", actorID: "reader", mutate: func(d *Definition) { d.StartsAt, d.EndsAt = d.EndsAt, d.StartsAt }, wantErr: ErrInvalidDefinition},
		{name: "empty-window", actorID: "reader", mutate: func(d *Definition) { d.EndsAt = d.StartsAt }, wantErr: ErrInvalidDefinition},
		{name: "unknown-period", actorID: "reader", mutate: func(d *Definition) { d.Period = "fortnight" }, wantErr: ErrInvalidDefinition},
		{name: "missing-scope", actorID: "reader", mutate: func(d *Definition) { d.Scope = nil }, wantErr: ErrInvalidDefinition},
		{name: "personal-group-participation", actorID: "reader", mutate: func(d *Definition) { d.Participation = ParticipationGroup }, wantErr: ErrInvalidDefinition},
		{name: "unknown-reward", actorID: "reader", mutate: func(d *Definition) { d.RewardTypeID = "missing" }, wantErr: ErrInvalidDefinition},
		{
			name:    "group-quest-by-member",
			actorID: "member",
			mutate: func(d *Definition) {
				d.Scope = GroupScope{GroupID: group.ID}
				d.Participation = ParticipationGroup
			},
			wantErr: ErrForbidden,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			definition := valid()
			testCase.mutate(&definition)
			_, err := harness.catalog.Create(context.Background(), users.Principal{UserID: testCase.actorID}, definition)
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestCreateStoresGroupQuestWithGroupReward(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	group := harness.createGroup(t, "owner")
	other := harness.createGroup(t, "stranger")
	groupReward, err := harness.ledger.CreateType(ctx, users.Principal{UserID: "owner"}, rewards.TypeDefinition{Name: "Club pin", GroupID: group.ID})
	if err != nil {
		t.Fatalf("failed to create group reward: %v", err)
	}
	foreignReward, err := harness.ledger.CreateType(ctx, users.Principal{UserID: "stranger"}, rewards.TypeDefinition{Name: "Other pin", GroupID: other.ID})
	if err != nil {
		t.Fatalf("failed to create foreign reward: %v", err)
	}

	definition := Definition{
		Title:         "Club reading",
		ActivityKind:  ActivityReadBook,
		TargetCount:   4,
		StartsAt:      testNow,
		EndsAt:        testNow.Add(7 * 24 * time.Hour),
		Scope:         GroupScope{GroupID: group.ID},
		Participation: ParticipationPersonal,
		RewardTypeID:  groupReward.ID,
		Period:        PeriodWeek,
	}
	quest, err := harness.catalog.Create(ctx, users.Principal{UserID: "owner"}, definition)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if quest.ScopeKind != scopeKindGroup || quest.GroupID == nil || *quest.GroupID != group.ID {
		t.Fatalf("unexpected scope on %+v", quest)
	}
	if quest.RewardTypeID == nil || *quest.RewardTypeID != groupReward.ID {
		t.Fatalf("unexpected reward on %+v", quest)
	}
	if quest.CreatorID != "owner" || quest.Period != PeriodWeek || quest.Completed {
		t.Fatalf("unexpected stored quest %+v", quest)
	}

	definition.RewardTypeID = foreignReward.ID
	if _, err := harness.catalog.Create(ctx, users.Principal{UserID: "owner"}, definition); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected another group's reward type to be rejected, got %v", err)
	}
}

func TestActiveCandidatesAppliesScopeAndWindow(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	group := harness.createGroup(t, "owner", "reader")
	own := harness.createQuest(t, "reader", Definition{
		ActivityKind:  ActivityCreateComment,
		TargetCount:   2,
		Scope:         PersonalScope{CreatorID: "reader"},
		Participation: ParticipationPersonal,
	})
	groupQuest := harness.createQuest(t, "owner", Definition{
		ActivityKind:  ActivityCreateComment,
		TargetCount:   2,
		Scope:         GroupScope{GroupID: group.ID},
		Participation: ParticipationGroup,
	})
	harness.createQuest(t, "someone-else", Definition{
		ActivityKind:  ActivityCreateComment,
		TargetCount:   2,
		Scope:         PersonalScope{CreatorID: "someone-else"},
		Participation: ParticipationPersonal,
	})
	harness.createQuest(t, "reader", Definition{
		ActivityKind:  ActivityReadBook,
		TargetCount:   2,
		Scope:         PersonalScope{CreatorID: "reader"},
		Participation: ParticipationPersonal,
	})

	personalOnly, err := harness.catalog.ActiveCandidates(ctx, CandidateQuery{Kind: ActivityCreateComment, ActorID: "reader", Now: testNow})
	if err != nil {
		t.Fatalf("candidates failed: %v", err)
	}
	if len(personalOnly) != 1 || personalOnly[0].ID != own.ID {
		t.Fatalf("expected only the reader's own quest, got %+v", personalOnly)
	}

	withGroup, err := harness.catalog.ActiveCandidates(ctx, CandidateQuery{
		Kind:     ActivityCreateComment,
		ActorID:  "reader",
		GroupIDs: []string{group.ID},
		Now:      testNow,
	})
	if err != nil {
		t.Fatalf("candidates failed: %v", err)
	}
	if len(withGroup) != 2 {
		t.Fatalf("expected personal and group quests, got %+v", withGroup)
	}
	foundGroup := false
	for _, quest := range withGroup {
		if quest.ID == groupQuest.ID {
			foundGroup = true
		}
	}
	if !foundGroup {
		t.Fatalf("group quest missing from %+v", withGroup)
	}

	afterEnd, err := harness.catalog.ActiveCandidates(ctx, CandidateQuery{Kind: ActivityCreateComment, ActorID: "reader", Now: testNow.Add(time.Hour)})
	if err != nil {
		t.Fatalf("candidates failed: %v", err)
	}
	if len(afterEnd) != 0 {
		t.Fatalf("end bound is exclusive, got %+v", afterEnd)
	}
}

func TestQuestStateAt(t *testing.T) {
	quest := Quest{StartsAtSeconds: testNow.Unix(), EndsAtSeconds: testNow.Add(time.Hour).Unix()}
	if state := quest.StateAt(testNow.Add(-time.Second)); state != StatePending {
		t.Fatalf("expected pending, got %s", state)
	}
	if state := quest.StateAt(testNow); state != StateActive {
		t.Fatalf("expected active, got %s", state)
	}
	if state := quest.StateAt(testNow.Add(time.Hour)); state != StateExpired {
		t.Fatalf("expected expired, got %s", state)
	}
	quest.Completed = true
	if state := quest.StateAt(testNow); state != StateCompleted {
		t.Fatalf("expected completed, got %s", state)
	}
}

func TestViewsReportProgressAndVisibility(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	group := harness.createGroup(t, "owner", "reader-a", "reader-b")
	quest := harness.createQuest(t, "owner", Definition{
		ActivityKind:  ActivityReplyComment,
		TargetCount:   4,
		Scope:         GroupScope{GroupID: group.ID},
		Participation: ParticipationGroup,
	})
	for _, actorID := range []string{"reader-a", "reader-b", "reader-b"} {
		if _, err := harness.engine.RecordActivity(ctx, Activity{ActorID: actorID, Kind: ActivityReplyComment, GroupID: group.ID}); err != nil {
			t.Fatalf("record activity failed: %v", err)
		}
	}

	view, err := harness.catalog.ProgressFor(ctx, "reader-a", quest.ID)
	if err != nil {
		t.Fatalf("progress failed: %v", err)
	}
	if view.CurrentCount != 3 || view.OwnCount != 1 || !view.Participated || view.RewardReceived {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.Percentage != 75 || view.State != StateActive {
		t.Fatalf("unexpected percentage or state %+v", view)
	}

	if _, err := harness.catalog.ProgressFor(ctx, "outsider", quest.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for outsider, got %v", err)
	}
	if _, err := harness.catalog.ProgressFor(ctx, "reader-a", "missing"); !errors.Is(err, ErrQuestNotFound) {
		t.Fatalf("expected ErrQuestNotFound, got %v", err)
	}

	listed, err := harness.catalog.ListForUser(ctx, "reader-b")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listed) != 1 || listed[0].OwnCount != 2 {
		t.Fatalf("unexpected listing %+v", listed)
	}

	groupViews, err := harness.catalog.GroupQuests(ctx, "reader-a", group.ID)
	if err != nil {
		t.Fatalf("group quests failed: %v", err)
	}
	if len(groupViews) != 1 {
		t.Fatalf("expected one group quest, got %d", len(groupViews))
	}
	if _, err := harness.catalog.GroupQuests(ctx, "outsider", group.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for outsider, got %v", err)
	}
}

func TestProgressPercentageCapsAtHundred(t *testing.T) {
	if got := progressPercentage(7, 5); got != 100 {
		t.Fatalf("expected 100, got %v", got)
	}
	if got := progressPercentage(3, 0); got != 0 {
		t.Fatalf("expected 0 for zero target, got %v", got)
	}
}

func TestGenerateDailyIsIdempotentPerDay(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	rewardType := harness.createRewardType(t, "Daily star")
	reader := users.Principal{UserID: "reader"}

	first, err := harness.catalog.GenerateDaily(ctx, reader, "")
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if !first.Created || len(first.Quests) != dailyQuestCount {
		t.Fatalf("expected %d new quests, got %+v", dailyQuestCount, first)
	}
	dayStart := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	for index, quest := range first.Quests {
		if quest.Title != BuiltinTemplates[index].Title {
			t.Fatalf("expected builtin template %q, got %q", BuiltinTemplates[index].Title, quest.Title)
		}
		if quest.StartsAtSeconds != dayStart.Unix() || quest.EndsAtSeconds != dayStart.Add(24*time.Hour).Unix() {
			t.Fatalf("unexpected window on %+v", quest)
		}
		if quest.Period != PeriodDay || quest.Participation != ParticipationPersonal || quest.CreatorID != "reader" {
			t.Fatalf("unexpected daily quest %+v", quest)
		}
		if quest.RewardTypeID == nil || *quest.RewardTypeID != rewardType.ID {
			t.Fatalf("expected reward %s on %+v", rewardType.ID, quest)
		}
	}

	second, err := harness.catalog.GenerateDaily(ctx, reader, "")
	if err != nil {
		t.Fatalf("second generate failed: %v", err)
	}
	if second.Created || len(second.Quests) != dailyQuestCount {
		t.Fatalf("expected existing quests to be returned, got %+v", second)
	}
	if got := harness.count(t, &Quest{}, "creator_id = ?", "reader"); got != dailyQuestCount {
		t.Fatalf("expected %d stored quests, got %d", dailyQuestCount, got)
	}

	harness.clock.Set(testNow.Add(24 * time.Hour))
	nextDay, err := harness.catalog.GenerateDaily(ctx, reader, "")
	if err != nil {
		t.Fatalf("next day generate failed: %v", err)
	}
	if !nextDay.Created {
		t.Fatalf("expected a new set on the next day")
	}
}

func TestGenerateDailyForGroupRequiresMembership(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	group := harness.createGroup(t, "owner", "member")
	active := true
	if _, err := harness.catalog.CreateTemplate(ctx, staffPrincipal(), TemplateInput{
		Title:        "Group chatter",
		ActivityKind: ActivityCreateComment,
		TargetCount:  10,
		Scope:        TemplateScopeGroup,
		Active:       &active,
	}); err != nil {
		t.Fatalf("create template failed: %v", err)
	}

	if _, err := harness.catalog.GenerateDaily(ctx, users.Principal{UserID: "outsider"}, group.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	result, err := harness.catalog.GenerateDaily(ctx, users.Principal{UserID: "member"}, group.ID)
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	if len(result.Quests) != 1 {
		t.Fatalf("expected the single stored template to be used, got %+v", result.Quests)
	}
	quest := result.Quests[0]
	if quest.Title != "Group chatter" || quest.Participation != ParticipationGroup || quest.GroupID == nil || *quest.GroupID != group.ID {
		t.Fatalf("unexpected group daily quest %+v", quest)
	}
	if quest.RewardTypeID != nil {
		t.Fatalf("no reward types exist, got %v", *quest.RewardTypeID)
	}
}

func TestTemplatesAreStaffOnly(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	input := TemplateInput{Title: "Weekend read", ActivityKind: ActivityReadBook, TargetCount: 1, Scope: TemplateScopePersonal}

	if _, err := harness.catalog.CreateTemplate(ctx, users.Principal{UserID: "reader"}, input); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	template, err := harness.catalog.CreateTemplate(ctx, staffPrincipal(), input)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !template.Active {
		t.Fatalf("templates default to active")
	}

	inactive := false
	input.Active = &inactive
	input.TargetCount = 2
	updated, err := harness.catalog.UpdateTemplate(ctx, staffPrincipal(), template.ID, input)
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Active || updated.TargetCount != 2 {
		t.Fatalf("unexpected update result %+v", updated)
	}
	active, err := harness.catalog.ListTemplates(ctx, true)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("inactive template listed as active: %+v", active)
	}

	if _, err := harness.catalog.UpdateTemplate(ctx, staffPrincipal(), "missing", input); !errors.Is(err, ErrTemplateNotFound) {
		t.Fatalf("expected ErrTemplateNotFound, got %v", err)
	}
	if err := harness.catalog.DeleteTemplate(ctx, users.Principal{UserID: "reader"}, template.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := harness.catalog.DeleteTemplate(ctx, staffPrincipal(), template.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := harness.catalog.CreateTemplate(ctx, staffPrincipal(), TemplateInput{Title: "Bad", ActivityKind: ActivityReadBook, TargetCount: 1, Scope: "global"}); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition for unknown scope, got %v", err)
	}
}

func TestSeedTemplatesSkipsExisting(t *testing.T) {
	harness := newTestHarness(t)
	ctx := context.Background()
	inputs := []TemplateInput{
		{Title: "Morning pages", ActivityKind: ActivityReadBook, TargetCount: 1, Scope: TemplateScopePersonal},
		{Title: "Club chatter", ActivityKind: ActivityCreateComment, TargetCount: 5, Scope: TemplateScopeGroup},
	}
	added, err := harness.catalog.SeedTemplates(ctx, inputs)
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	if added != 2 {
		t.Fatalf("expected 2 added, got %d", added)
	}
	added, err = harness.catalog.SeedTemplates(ctx, inputs)
	if err != nil {
		t.Fatalf("reseed failed: %v", err)
	}
	if added != 0 {
		t.Fatalf("expected reseed to add nothing, got %d", added)
	}
}
