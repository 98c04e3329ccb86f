package dberrors

import "errors"

var (
	ErrTamperedTableName = errors.New("lsmkv: table file name was tampered with")
	ErrEmptyTableBuilder = errors.New("lsmkv: table builder holds no blocks")
	ErrInvalidCommandTag = errors.New("lsmkv: invalid command tag")
	ErrTruncatedCommand  = errors.New("lsmkv: truncated command in block")
	ErrNoPartialTable    = errors.New("lsmkv: in-place compaction found no partial table")
	ErrUnknownCommand    = errors.New("lsmkv: unknown wire command")
)
