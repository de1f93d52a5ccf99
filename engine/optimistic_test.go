package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"boardsync/board"
	"boardsync/domain"
)

func testCoordinator(t *testing.T) (*Coordinator, *board.Store) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	store := board.NewStore()
	return NewCoordinator(store, &stubClock{}, logger), store
}

func TestRunReconcilesAuthoritativeResult(t *testing.T) {
	c, store := testCoordinator(t)
	store.Replace("p1", []domain.Task{
		{ID: "a", Status: domain.StatusTodo, Position: 0, ProjectID: "p1"},
		{ID: "b", Status: domain.StatusTodo, Position: 1, ProjectID: "p1"},
	})

	var reconciled bool
	result, err := c.Run(context.Background(), Mutation{
		Key:       "tasks:p1",
		ProjectID: "p1",
		Speculate: func(s *board.Store) { s.Move("p1", "a", domain.StatusDone, 0) },
		Remote: func(ctx context.Context) (domain.Task, error) {
			// The authority lands the task at a different position than
			// the client guessed.
			return domain.Task{ID: "a", Status: domain.StatusDone, Position: 0, Title: "authoritative", ProjectID: "p1"}, nil
		},
		Reconcile: func(s *board.Store, result domain.Task) {
			reconciled = true
			s.Put("p1", result)
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !reconciled {
		t.Fatal("reconcile not called")
	}
	if result.Title != "authoritative" {
		t.Fatalf("result %+v", result)
	}
	task, _ := store.Get("p1", "a")
	if task.Title != "authoritative" {
		t.Fatalf("store kept speculative entity: %+v", task)
	}
}

func TestRunRollsBackExactly(t *testing.T) {
	c, store := testCoordinator(t)
	store.Replace("p1", []domain.Task{
		{ID: "a", Status: domain.StatusTodo, Position: 0, ProjectID: "p1"},
		{ID: "b", Status: domain.StatusTodo, Position: 1, ProjectID: "p1"},
		{ID: "c", Status: domain.StatusInProgress, Position: 0, ProjectID: "p1"},
	})
	before := store.List("p1")

	_, err := c.Run(context.Background(), Mutation{
		Key:       "tasks:p1",
		ProjectID: "p1",
		Speculate: func(s *board.Store) {
			s.Move("p1", "a", domain.StatusInProgress, 0)
			s.Remove("p1", "b")
		},
		Remote: func(ctx context.Context) (domain.Task, error) {
			return domain.Task{}, &Error{Kind: KindValidation, Message: "bad position"}
		},
		Reconcile: func(s *board.Store, result domain.Task) {
			t.Fatal("reconcile called on failure")
		},
	})
	if KindOf(err) != KindValidation {
		t.Fatalf("kind %s", KindOf(err))
	}
	if after := store.List("p1"); !reflect.DeepEqual(after, before) {
		t.Fatalf("rollback inexact:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestRunRetriesServerErrorsWithBound(t *testing.T) {
	c, store := testCoordinator(t)
	store.Replace("p1", []domain.Task{{ID: "a", Status: domain.StatusTodo, Position: 0, ProjectID: "p1"}})

	calls := 0
	_, err := c.Run(context.Background(), Mutation{
		Key:       "tasks:p1",
		ProjectID: "p1",
		Remote: func(ctx context.Context) (domain.Task, error) {
			calls++
			return domain.Task{}, &Error{Kind: KindServer, Message: "boom"}
		},
	})
	if KindOf(err) != KindServer {
		t.Fatalf("kind %s", KindOf(err))
	}
	if calls != 3 {
		t.Fatalf("calls %d, want 3", calls)
	}
}

func TestRunDoesNotRetryConflicts(t *testing.T) {
	c, _ := testCoordinator(t)

	calls := 0
	_, err := c.Run(context.Background(), Mutation{
		Key:       "tasks:p1",
		ProjectID: "p1",
		Remote: func(ctx context.Context) (domain.Task, error) {
			calls++
			return domain.Task{}, &Error{Kind: KindConflict, Message: "task gone"}
		},
	})
	if KindOf(err) != KindConflict {
		t.Fatalf("kind %s", KindOf(err))
	}
	if calls != 1 {
		t.Fatalf("calls %d, want 1", calls)
	}
}

func TestRunSucceedsAfterTransientServerError(t *testing.T) {
	c, store := testCoordinator(t)
	store.Replace("p1", []domain.Task{{ID: "a", Status: domain.StatusTodo, Position: 0, ProjectID: "p1"}})

	calls := 0
	result, err := c.Run(context.Background(), Mutation{
		Key:       "tasks:p1",
		ProjectID: "p1",
		Remote: func(ctx context.Context) (domain.Task, error) {
			calls++
			if calls < 3 {
				return domain.Task{}, &Error{Kind: KindServer, Message: "boom"}
			}
			return domain.Task{ID: "a", Status: domain.StatusTodo, Position: 0, ProjectID: "p1"}, nil
		},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if result.ID != "a" {
		t.Fatalf("result %+v", result)
	}
}

func TestMutationCancelsInFlightRead(t *testing.T) {
	c, store := testCoordinator(t)

	started := make(chan struct{})
	readDone := make(chan error, 1)
	go func() {
		_, err := c.Read(context.Background(), "tasks:p1", func(ctx context.Context) ([]domain.Task, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		readDone <- err
	}()
	<-started

	if _, err := c.Run(context.Background(), Mutation{
		Key:       "tasks:p1",
		ProjectID: "p1",
		Speculate: func(s *board.Store) { s.Insert("p1", domain.Task{ID: "new", Status: domain.StatusTodo}) },
		Remote: func(ctx context.Context) (domain.Task, error) {
			return domain.Task{ID: "new", Status: domain.StatusTodo, ProjectID: "p1"}, nil
		},
		Reconcile: func(s *board.Store, result domain.Task) { s.Put("p1", result) },
	}); err != nil {
		t.Fatalf("run: %v", err)
	}

	select {
	case err := <-readDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("read error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read not canceled")
	}
	if _, ok := store.Get("p1", "new"); !ok {
		t.Fatal("mutation lost")
	}
}

func TestNewerReadSupersedesOlder(t *testing.T) {
	c, _ := testCoordinator(t)

	started := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Read(context.Background(), "tasks:p1", func(ctx context.Context) ([]domain.Task, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		firstDone <- err
	}()
	<-started

	tasks, err := c.Read(context.Background(), "tasks:p1", func(ctx context.Context) ([]domain.Task, error) {
		return []domain.Task{{ID: "fresh"}}, nil
	})
	if err != nil || len(tasks) != 1 {
		t.Fatalf("second read tasks=%v err=%v", tasks, err)
	}

	select {
	case err := <-firstDone:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("first read error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first read not superseded")
	}
}
