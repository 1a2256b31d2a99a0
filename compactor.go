// Copyright 2026 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package compactor provides a per-shard compaction manager for
// log-structured storage engines: it schedules, admits, supervises and
// throttles the background jobs that rewrite immutable sstables.
//
// The manager decides when and whether a compaction may run; what to compact
// is delegated to pluggable strategies, and the merge itself to an external
// compaction primitive. See Options for the injection points.
package compactor

import (
	"github.com/waldeilton/compactor/internal/base"
)

// Types re-exported from internal/base. Users implement TableState, Strategy
// and SSTable; everything else is plumbing between them and the manager.
type (
	FileNum                = base.FileNum
	TableFormat            = base.TableFormat
	SSTable                = base.SSTable
	Schema                 = base.Schema
	TableState             = base.TableState
	Strategy               = base.Strategy
	StrategyControl        = base.StrategyControl
	Descriptor             = base.Descriptor
	CompletionDesc         = base.CompletionDesc
	Result                 = base.Result
	CompactFunc            = base.CompactFunc
	CompactionData         = base.CompactionData
	CompactionInfo         = base.CompactionInfo
	CompactionKind         = base.CompactionKind
	CompactionHistoryEntry = base.CompactionHistoryEntry
	ScrubOptions           = base.ScrubOptions
	ScrubMode              = base.ScrubMode
	QuarantineMode         = base.QuarantineMode
	ReshapeMode            = base.ReshapeMode
	PendingReplacement     = base.PendingReplacement
	Logger                 = base.Logger
	DefaultLogger          = base.DefaultLogger
)

const (
	CompactionKindCompaction = base.CompactionKindCompaction
	CompactionKindCleanup    = base.CompactionKindCleanup
	CompactionKindScrub      = base.CompactionKindScrub
	CompactionKindUpgrade    = base.CompactionKindUpgrade
	CompactionKindReshape    = base.CompactionKindReshape
	CompactionKindReshard    = base.CompactionKindReshard
	CompactionKindValidation = base.CompactionKindValidation
	CompactionKindIndexBuild = base.CompactionKindIndexBuild

	ScrubModeAbort     = base.ScrubModeAbort
	ScrubModeSkip      = base.ScrubModeSkip
	ScrubModeSegregate = base.ScrubModeSegregate
	ScrubModeValidate  = base.ScrubModeValidate

	QuarantineInclude = base.QuarantineInclude
	QuarantineExclude = base.QuarantineExclude
	QuarantineOnly    = base.QuarantineOnly

	ReshapeModeStrict  = base.ReshapeModeStrict
	ReshapeModeRelaxed = base.ReshapeModeRelaxed
)

// Error kinds, re-exported for callers that classify task failures.
var (
	ErrCompactionStopped = base.ErrCompactionStopped
	ErrCompactionAborted = base.ErrCompactionAborted
	ErrStorageIO         = base.ErrStorageIO
)
