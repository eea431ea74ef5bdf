// Package repository implements interfaces.Repository on Firestore, SQLite and memory.
package repository

import (
	"sort"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/hearken/pkg/model"
)

var ErrNotFound = goerr.New("not found")

func sortMessages(msgs []*model.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		return msgs[i].ID < msgs[j].ID
	})
}
