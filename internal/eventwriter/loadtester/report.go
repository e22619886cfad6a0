package loadtester

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/armadaproject/eventwriter/internal/eventwriter/configuration"
)

const ReportTemplate string = `
	Load Test on EventWriter at %s

	Configuration:
		Mode: %s
		Events Per Submission: %d
		Parameters: %d
		Submit Interval: %s
		Duration: %s
		Storage: %s (schema v%d)
		Writers: %d
		Insert Size: %d
		Transaction Size: %d
		Pipeline Config:

%s

	Results:
		Total Load Test Duration: %s
		Total Store Duration: %s
		Submissions: %d
		Records Submitted: %d
		Records Stored: %d
		Records Failed: %d
		Failed Transactions: %d
		Rows Before: %d
		Rows After: %d
		Rows Written: %d
		Maximum Queue Depth: %d
		Records Stored Per Second: %f
`

// Report renders results in ReportTemplate.
func Report(at time.Time, config configuration.EventWriterConfiguration, results *Results) string {
	pipelineConfig, err := yaml.Marshal(config.Pipeline)
	if err != nil {
		log.WithError(err).Warn("Failed to marshal pipeline config for report output")
	}
	return fmt.Sprintf(
		ReportTemplate,
		at.Format("2006-01-02"),
		results.Mode,
		config.LoadTest.BulkSize,
		config.LoadTest.Parameters,
		config.LoadTest.SubmitInterval,
		config.LoadTest.Duration,
		config.Storage.Driver,
		int(config.Storage.SchemaVersion),
		config.Pipeline.Workers,
		config.Pipeline.InsertSize,
		config.Pipeline.TransactionSize,
		indent(string(pipelineConfig), "\t\t\t"),
		results.TotalTestDuration,
		results.StoreDuration,
		results.Submissions,
		results.Submitted,
		results.Stored,
		results.Failed,
		results.FailedTransactions,
		results.RowsBefore,
		results.RowsAfter,
		results.RowsWritten(),
		results.MaxQueueDepth,
		results.RecordsPerSecond(),
	)
}

func indent(s string, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
