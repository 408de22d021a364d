package domain

type QueueStats struct {
	Backend  string `json:"backend"`
	Ready    int64  `json:"ready"`
	Delayed  int64  `json:"delayed"`
	InFlight int64  `json:"inFlight"`
}

func (s QueueStats) Total() int64 { return s.Ready + s.Delayed + s.InFlight }
