package execution

import "time"

const maxBackoffShift = 6

// retryDelay 第 attempt 次失败后的等待时间：base * 2^(attempt-1)，不超过 max
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	d := base << shift
	if max > 0 && d > max {
		d = max
	}
	return d
}
