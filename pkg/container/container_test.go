package container

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestDetectOutsideContainerReturnsZeroValue(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	d := New(logger)

	info := d.Detect(context.Background())
	if info.ContainerID != "" && len(info.ContainerID) != 64 {
		t.Errorf("unexpected partial container id: %q", info.ContainerID)
	}
}
