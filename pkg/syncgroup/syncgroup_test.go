package syncgroup

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSyncGroup_RunAndWait(t *testing.T) {
	sg := NewSyncGroup()
	var n atomic.Int32
	for i := 0; i < 3; i++ {
		sg.Add(func() { n.Add(1) })
	}
	sg.Add(nil)
	sg.Run()
	sg.Wait()
	assert.EqualValues(t, 3, n.Load())

	// 再次 Run 不会重复启动
	sg.Run()
	sg.Wait()
	assert.EqualValues(t, 3, n.Load())
}

func TestSyncGroup_WaitTimeout(t *testing.T) {
	sg := NewSyncGroup()
	release := make(chan struct{})
	sg.Add(func() { <-release })
	sg.Run()

	assert.False(t, sg.WaitTimeout(20*time.Millisecond))
	close(release)
	assert.True(t, sg.WaitTimeout(time.Second))
}
