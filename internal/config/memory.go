package config

import (
	"fmt"
	"os"

	"github.com/jittakal/flightrec/internal/config/dto"
	"github.com/jittakal/flightrec/internal/errors"
)

const (
	DefaultGlobalBufferSize = 512 << 10
	DefaultNumGlobalBuffers = 20
	DefaultThreadBufferSize = 8 << 10
	DefaultMemorySize       = DefaultGlobalBufferSize * DefaultNumGlobalBuffers
)

// ReconcileMemory fills in the memory options that were not given so that
// memorysize == globalbuffersize * numglobalbuffers and
// globalbuffersize >= threadbuffersize, with every size a multiple of
// pageSize. Zero values are treated as not given.
//
// A given memorysize is kept as is when globalbuffersize or numglobalbuffers
// is also given; if it cannot be split evenly that is an error. Given on its
// own it is rounded down to a whole number of global buffers. Giving all
// three of memorysize, globalbuffersize and numglobalbuffers inconsistently
// is an error.
func ReconcileMemory(rc *dto.RecordingConfig, pageSize int64) error {
	if pageSize <= 0 {
		pageSize = int64(os.Getpagesize())
	}
	mem := alignUp(int64(rc.MemorySize), pageSize)
	global := alignUp(int64(rc.GlobalBufferSize), pageSize)
	count := int64(rc.NumGlobalBuffers)
	thread := alignUp(int64(rc.ThreadBufferSize), pageSize)
	memSet, globalSet, countSet, threadSet := mem > 0, global > 0, count > 0, thread > 0

	if !threadSet {
		thread = alignUp(DefaultThreadBufferSize, pageSize)
	}

	switch {
	case memSet && globalSet && countSet:
		if mem != global*count {
			return &errors.ConfigError{
				Option: "memorysize",
				Reason: fmt.Sprintf("%d is not globalbuffersize %d x numglobalbuffers %d", mem, global, count),
			}
		}
	case memSet && globalSet:
		if global > mem {
			return &errors.ConfigError{Option: "globalbuffersize", Reason: fmt.Sprintf("%d exceeds memorysize %d", global, mem)}
		}
		if mem%global != 0 {
			return &errors.ConfigError{
				Option: "memorysize",
				Reason: fmt.Sprintf("%d is not a multiple of globalbuffersize %d", mem, global),
			}
		}
		count = mem / global
	case memSet && countSet:
		global = mem / count / pageSize * pageSize
		if global == 0 {
			return &errors.ConfigError{Option: "numglobalbuffers", Reason: fmt.Sprintf("%d buffers do not fit in memorysize %d", count, mem)}
		}
		if global*count != mem {
			return &errors.ConfigError{
				Option: "memorysize",
				Reason: fmt.Sprintf("%d does not split into %d page aligned buffers", mem, count),
			}
		}
	case globalSet && countSet:
	case memSet:
		global = min(alignUp(DefaultGlobalBufferSize, pageSize), mem)
		count = mem / global
	case globalSet:
		count = DefaultNumGlobalBuffers
	case countSet:
		global = alignUp(DefaultGlobalBufferSize, pageSize)
	default:
		global = alignUp(DefaultGlobalBufferSize, pageSize)
		count = DefaultNumGlobalBuffers
	}

	if global < thread {
		switch {
		case threadSet && (globalSet || (memSet && countSet)):
			return &errors.ConfigError{Option: "threadbuffersize", Reason: fmt.Sprintf("%d exceeds globalbuffersize %d", thread, global)}
		case threadSet:
			global = thread
			if memSet {
				count = mem / global
				if count == 0 {
					return &errors.ConfigError{Option: "memorysize", Reason: fmt.Sprintf("%d is smaller than threadbuffersize %d", mem, thread)}
				}
			}
		default:
			thread = global
		}
	}

	rc.GlobalBufferSize = dto.ByteSize(global)
	rc.NumGlobalBuffers = int(count)
	rc.MemorySize = dto.ByteSize(global * count)
	rc.ThreadBufferSize = dto.ByteSize(thread)
	return nil
}

func alignUp(n, page int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + page - 1) / page * page
}
