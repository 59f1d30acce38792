package cli

import "fmt"

func Run(args []string) error {
	if len(args) == 0 {
		printRootUsage()
		return nil
	}

	switch args[0] {
	case "enhance":
		return runEnhance(args[1:])
	case "status":
		return runStatus(args[1:])
	case "cancel":
		return runCancel(args[1:])
	case "list":
		return runList(args[1:])
	case "submit":
		return runSubmit(args[1:])
	case "worker":
		return runWorker(args[1:])
	case "help", "-h", "--help":
		printRootUsage()
		return nil
	default:
		printRootUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printRootUsage() {
	fmt.Println("upscaler: frame-by-frame video enhancement with temporal smoothing")
	fmt.Println()
	fmt.Println("Quick Start:")
	fmt.Println("  upscaler enhance -i input.mp4 -o output.mp4")
	fmt.Println("  upscaler status <job-id>")
	fmt.Println()
	fmt.Println("Job Commands:")
	fmt.Println("  enhance   extract, enhance and reassemble a video (resumes by default)")
	fmt.Println("  status    show state and progress of a job")
	fmt.Println("  cancel    cancel a job; a running process stops at its next checkpoint")
	fmt.Println("  list      list every known job")
	fmt.Println()
	fmt.Println("Queue Commands:")
	fmt.Println("  submit    enqueue an enhancement request for a worker")
	fmt.Println("  worker    consume enhancement requests from RabbitMQ")
	fmt.Println()
	fmt.Println("Notes:")
	fmt.Println("  - Input and output may be local paths or s3://bucket/key")
	fmt.Println("  - Runtime settings come from the environment (UPSCALER_*, FFMPEG_*, INFERENCE_*, ...)")
	fmt.Println("  - Use --json on status and list for machine-readable output")
}
