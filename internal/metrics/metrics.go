// Package metrics exposes the engine's prometheus counters: one place all
// the document-mutation call sites bump, and one registry the HTTP server
// serves at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Inserts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docengine_revision_inserts_total",
		Help: "Revisions successfully inserted, by scheme.",
	}, []string{"scheme"})

	Conflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docengine_conflicts_total",
		Help: "Writes that resulted in a conflict, by scheme.",
	}, []string{"scheme"})

	Prunes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docengine_revisions_pruned_total",
		Help: "Revisions removed by RevTree.Prune.",
	})

	Purges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "docengine_revisions_purged_total",
		Help: "Revisions removed by RevTree.Purge/PurgeAll.",
	})

	Upgrades = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docengine_upgrades_total",
		Help: "Document upgrade attempts from rev-tree to version-vector, by outcome.",
	}, []string{"outcome"})

	AncestorLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "docengine_ancestor_lookups_total",
		Help: "Ancestor finder classifications, by result status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(Inserts, Conflicts, Prunes, Purges, Upgrades, AncestorLookups)
}
