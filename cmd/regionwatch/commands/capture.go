package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/avandersteldt/regionwatch/internal/capture"
	"github.com/avandersteldt/regionwatch/internal/config"
	"github.com/avandersteldt/regionwatch/internal/logger"
)

var (
	captureOut    string
	captureRegion []int
)

var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Take a one-shot capture through the fallback chain",
	Long: `Capture the display (or a region of it) once, using the same strategy
chain the monitor uses, and write the PNG to a file. Useful for checking
which capture path works in the current environment.`,
	Example: `  # Full display to a file
  regionwatch capture -o shot.png

  # Just a region
  regionwatch capture -o shot.png --region 0,0,800,600`,
	RunE: runCapture,
}

func init() {
	captureCmd.Flags().StringVarP(&captureOut, "out", "o", "capture.png", "output PNG path")
	captureCmd.Flags().IntSliceVar(&captureRegion, "region", nil, "region as left,top,right,bottom")
	rootCmd.AddCommand(captureCmd)
}

func runCapture(cmd *cobra.Command, args []string) error {
	configMgr, err := config.NewManager(cfgFile)
	if err != nil {
		return fmt.Errorf("initialize config: %w", err)
	}
	cfg := configMgr.Get()
	logger.Init(cfg.LogLevel, true)

	var region *capture.Region
	if len(captureRegion) > 0 {
		if len(captureRegion) != 4 {
			return fmt.Errorf("--region wants 4 values, got %d", len(captureRegion))
		}
		r := capture.Region{
			Left:   captureRegion[0],
			Top:    captureRegion[1],
			Right:  captureRegion[2],
			Bottom: captureRegion[3],
		}
		if err := r.Validate(); err != nil {
			return err
		}
		region = &r
	}

	caps := capture.DetectCapabilities(cfg.Capture.BridgeCommand)
	chain := capture.NewChain(caps, cfg.Capture.Timeout())

	frame, err := chain.Capture(cmd.Context(), region)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	if err := os.WriteFile(captureOut, frame.Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", captureOut, err)
	}

	fmt.Printf("captured %dx%d via %s -> %s\n", frame.Width, frame.Height, frame.Strategy, captureOut)
	if frame.Clamped {
		fmt.Println("note: requested region was clamped to display bounds")
	}
	return nil
}
