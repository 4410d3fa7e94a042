package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCron_ScheduleAndCancel(t *testing.T) {
	c := NewCron(nil)
	c.Start()
	defer c.Stop(context.Background())

	var fired atomic.Int32
	id, err := c.Schedule("@every 10ms", func() { fired.Add(1) })
	require.NoError(t, err)
	assert.Equal(t, 1, c.Len())

	assert.Eventually(t, func() bool { return fired.Load() > 0 }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Cancel(id))
	assert.Equal(t, 0, c.Len())
	assert.ErrorIs(t, c.Cancel(id), ErrUnknownJob)
}

func TestCron_InvalidSpec(t *testing.T) {
	c := NewCron(nil)
	_, err := c.Schedule("not a spec", func() {})
	assert.Error(t, err)
	assert.Error(t, c.Validate("61 * * * *"))
	assert.NoError(t, c.Validate("*/5 * * * *"))
	assert.NoError(t, c.Validate("0 */5 * * * *"))
}

func TestWizard_Spec(t *testing.T) {
	spec, err := Wizard{Hour: 6, Minute: 30}.Spec()
	require.NoError(t, err)
	assert.Equal(t, "0 30 6 * * *", spec)

	spec, err = Wizard{Hour: 22, Minute: 0, Second: 15, Weekdays: []int{1, 5}}.Spec()
	require.NoError(t, err)
	assert.Equal(t, "15 0 22 * * 1,5", spec)

	_, err = Wizard{Hour: 24}.Spec()
	assert.Error(t, err)
	_, err = Wizard{Weekdays: []int{7}}.Spec()
	assert.Error(t, err)

	c := NewCron(nil)
	spec, _ = Wizard{Hour: 7, Minute: 5, Weekdays: []int{0, 6}}.Spec()
	assert.NoError(t, c.Validate(spec))
}
