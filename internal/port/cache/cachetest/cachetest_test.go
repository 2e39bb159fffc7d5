package cachetest_test

import (
	"testing"

	"github.com/Strob0t/toolgate/internal/port/cache/cachetest"
)

func TestMemory(t *testing.T) {
	cachetest.Run(t, cachetest.NewMemory())
}
