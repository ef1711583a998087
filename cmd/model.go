package cmd

import (
	crawler "github.com/andrewkchan/crawler"
	"github.com/andrewkchan/crawler/console"
)

// liveModel backs the console with the running crawl's fabric, frontiers and
// coordinator.
type liveModel struct {
	rt *runtime
}

func (m *liveModel) Status() (*console.StatusInfo, error) {
	status := &console.StatusInfo{
		PagesCrawled:    m.rt.coord.PagesCrawled(),
		BytesFetched:    m.rt.coord.BytesFetched(),
		Stopped:         m.rt.coord.Stopped(),
		StopReason:      m.rt.coord.StopReason(),
		PagesInInterval: m.rt.coord.PagesInInterval(),
	}
	for _, fr := range m.rt.frontiers {
		status.FrontierURLs = append(status.FrontierURLs, fr.Count())
	}
	return status, nil
}

func (m *liveModel) AddLinks(links []string) (admitted, dropped int, err error) {
	var parsed []*crawler.URL
	for _, link := range links {
		u, perr := crawler.ParseAndNormalizeURL(link)
		if perr != nil {
			dropped++
			continue
		}
		parsed = append(parsed, u)
	}
	a, d, err := m.rt.routeLinks(parsed, true)
	return a, dropped + d, err
}

func (m *liveModel) FindDomain(domain string) (*console.DomainInfo, error) {
	record, err := m.rt.fab.PodFor(domain).GetDomain(domain)
	if err != nil || record == nil {
		return nil, err
	}
	return &console.DomainInfo{
		Domain:             record.Domain,
		Pod:                crawler.PodOf(domain, m.rt.fab.NumPods()),
		URLsAdded:          record.URLsAdded,
		FrontierOffset:     record.FrontierOffset,
		LastScheduledFetch: record.LastScheduledFetch,
	}, nil
}

func (m *liveModel) FindVisited(url string) (*crawler.VisitedRecord, error) {
	u, err := crawler.ParseAndNormalizeURL(url)
	if err != nil {
		return nil, err
	}
	domain, err := u.RegistrableDomain()
	if err != nil {
		return nil, err
	}
	return m.rt.fab.PodFor(domain).GetVisited(u.Fingerprint())
}
