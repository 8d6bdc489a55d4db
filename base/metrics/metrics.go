package metrics

const (
	SyncTicksH = "The total number of refresh ticks completed"
	SyncTicksN = "clockbound_sync_ticks"

	SyncBoundH = "The clock error bound currently published, in nanoseconds"
	SyncBoundN = "clockbound_sync_bound_nsec"

	SyncClockStatusH = "The clock status currently published (0 unknown, 1 synchronized, 2 free running, 3 disrupted)"
	SyncClockStatusN = "clockbound_sync_clock_status"

	SyncGenerationH = "The segment generation counter after the last update"
	SyncGenerationN = "clockbound_sync_generation"

	SyncChronyPollErrorsH = "The total number of failed tracking polls of the synchronization daemon"
	SyncChronyPollErrorsN = "clockbound_sync_chrony_poll_errors"

	SyncVMClockReadErrorsH = "The total number of failed VMClock snapshot reads"
	SyncVMClockReadErrorsN = "clockbound_sync_vmclock_read_errors"

	SyncDisruptionsH = "The total number of clock disruptions detected"
	SyncDisruptionsN = "clockbound_sync_disruptions"
)
