package ratelimit

// Statistics aggregates the sliding one-hour window across all services.
func (l *Limiter) Statistics() Stats {
	cutoff := l.now().Add(-statsWindow)

	l.mu.Lock()
	names := make([]string, 0, len(l.services))
	services := make([]*service, 0, len(l.services))

	for name, svc := range l.services {
		names = append(names, name)
		services = append(services, svc)
	}
	l.mu.Unlock()

	out := Stats{PerService: make(map[string]ServiceStats, len(services))}

	var (
		successes    int
		latencySumMS float64
	)

	for i, svc := range services {
		svc.mu.Lock()

		var perSvc ServiceStats
		var svcSuccesses int
		var svcLatencySum float64

		for _, s := range svc.window {
			if s.at.Before(cutoff) {
				continue
			}

			perSvc.Total++

			if s.rateLimited {
				perSvc.RateLimited++
			}

			if s.success {
				svcSuccesses++
			}

			svcLatencySum += s.latencyMS
		}

		svc.mu.Unlock()

		if perSvc.Total > 0 {
			perSvc.RateLimitedPct = 100 * float64(perSvc.RateLimited) / float64(perSvc.Total)
			perSvc.SuccessRate = float64(svcSuccesses) / float64(perSvc.Total)
			perSvc.AvgLatencyMS = svcLatencySum / float64(perSvc.Total)
		}

		out.PerService[names[i]] = perSvc
		out.Total += perSvc.Total
		out.RateLimited += perSvc.RateLimited
		successes += svcSuccesses
		latencySumMS += svcLatencySum
	}

	if out.Total > 0 {
		out.RateLimitedPct = 100 * float64(out.RateLimited) / float64(out.Total)
		out.SuccessRate = float64(successes) / float64(out.Total)
		out.AvgLatencyMS = latencySumMS / float64(out.Total)
	}

	return out
}
