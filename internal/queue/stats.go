package queue

// Stats are the per-queue counters exposed to operators. Total is always the
// sum of the other five fields.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Delayed   int64 `json:"delayed"`
	Total     int64 `json:"total"`
}

func (s Stats) sum() int64 {
	return s.Waiting + s.Active + s.Completed + s.Failed + s.Delayed
}
