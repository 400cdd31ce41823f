package storage

import (
	"errors"
	"fmt"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
)

func TestQueueConcurrencyForCPU(t *testing.T) {
	tests := []struct {
		name string
		cpu  int
		want int
	}{
		{name: "below minimum", cpu: 0, want: defaultQueueConcurrency},
		{name: "single cpu", cpu: 1, want: queuePerCPU},
		{name: "multi cpu scale", cpu: 4, want: 40},
		{name: "cap applied", cpu: 32, want: maxQueueConcurrency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := queueConcurrencyForCPU(tt.cpu)
			if got != tt.want {
				t.Fatalf("queueConcurrencyForCPU(%d) = %d, want %d", tt.cpu, got, tt.want)
			}
		})
	}
}

func TestAlreadyExists(t *testing.T) {
	exists := &azcore.ResponseError{ErrorCode: queueAlreadyExists}
	if !alreadyExists(fmt.Errorf("create: %w", exists), queueAlreadyExists) {
		t.Fatal("expected wrapped already-exists error to match")
	}
	if alreadyExists(exists, string(aztables.TableAlreadyExists)) {
		t.Fatal("expected different error code not to match")
	}
	if alreadyExists(errors.New("boom"), queueAlreadyExists) {
		t.Fatal("expected plain error not to match")
	}
}

func TestNamesTablesSkipsQueue(t *testing.T) {
	n := Names{TasksTable: "tasks", GroupsTable: "groups", ListsTable: "lists", SettingsTable: "settings", ChangeQueue: "changes"}
	got := n.tables()
	if len(got) != 4 || got[0] != "tasks" || got[3] != "settings" {
		t.Fatalf("unexpected tables: %v", got)
	}
}
