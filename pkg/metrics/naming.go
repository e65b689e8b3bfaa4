// Package metrics holds naming conventions shared by every instrumented
// subsystem.
package metrics

import "strings"

const namespace = "pubkeep"

// MetricName prefixes a metric with the project namespace unless it
// already carries it.
func MetricName(name string) string {
	if strings.HasPrefix(name, namespace+"_") {
		return name
	}
	return namespace + "_" + name
}

// MetricNameWithSubsystem builds a namespaced metric name of the form
// <namespace>_<subsystem>_<name>. Stray underscores around the subsystem
// are trimmed.
func MetricNameWithSubsystem(subsystem, name string) string {
	sub := strings.Trim(subsystem, "_")
	if sub == "" {
		return MetricName(name)
	}
	if name == "" {
		return MetricName(sub)
	}
	return MetricName(sub + "_" + name)
}
