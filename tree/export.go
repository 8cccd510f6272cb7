package tree

import (
	"fmt"
	"strings"

	"github.com/senslab/faultclass/pkg/errors"
)

// ExportText renders the fitted tree as an indented rule listing. Internal
// nodes print their split rule, leaves print the majority class and the
// class distribution. featureNames and classNames substitute readable
// labels; nil falls back to positional names.
func (dt *DecisionTreeClassifier) ExportText(featureNames, classNames []string) (string, error) {
	if !dt.IsFitted() {
		return "", errors.NewNotFittedError("DecisionTreeClassifier", "ExportText")
	}
	if featureNames != nil && len(featureNames) != dt.nFeatures_ {
		return "", errors.NewDimensionError("DecisionTreeClassifier.ExportText", dt.nFeatures_, len(featureNames), 1)
	}
	if classNames != nil && len(classNames) != dt.nClasses_ {
		return "", errors.NewDimensionError("DecisionTreeClassifier.ExportText", dt.nClasses_, len(classNames), 1)
	}

	var sb strings.Builder
	dt.writeNode(&sb, dt.root, 0, featureNames, classNames)
	return sb.String(), nil
}

func (dt *DecisionTreeClassifier) writeNode(sb *strings.Builder, nd *node, depth int, featureNames, classNames []string) {
	indent := strings.Repeat("|   ", depth)

	if nd.leaf {
		best := 0
		for k := 1; k < len(nd.classCounts); k++ {
			if nd.classCounts[k] > nd.classCounts[best] {
				best = k
			}
		}
		fmt.Fprintf(sb, "%s|--- class: %s  (samples=%d, counts=%s)\n",
			indent, className(classNames, best), nd.samples, countsString(nd.classCounts))
		return
	}

	name := featureName(featureNames, nd.feature)
	fmt.Fprintf(sb, "%s|--- %s <= %.4f\n", indent, name, nd.threshold)
	dt.writeNode(sb, nd.left, depth+1, featureNames, classNames)
	fmt.Fprintf(sb, "%s|--- %s >  %.4f\n", indent, name, nd.threshold)
	dt.writeNode(sb, nd.right, depth+1, featureNames, classNames)
}

func featureName(names []string, j int) string {
	if names != nil {
		return names[j]
	}
	return fmt.Sprintf("feature_%d", j)
}

func className(names []string, k int) string {
	if names != nil {
		return names[k]
	}
	return fmt.Sprintf("%d", k)
}

func countsString(counts []float64) string {
	parts := make([]string, len(counts))
	for k, c := range counts {
		parts[k] = fmt.Sprintf("%.0f", c)
	}
	return "[" + strings.Join(parts, " ") + "]"
}
