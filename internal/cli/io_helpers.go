package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/patrob/video-upscaler/internal/domain/entity"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(st entity.JobStatus) {
	fmt.Printf("job_id: %s\n", st.ID)
	fmt.Printf("state: %s\n", st.State)
	fmt.Printf("progress: %d%% (%d/%d frames)\n", st.Progress, st.Processed, st.Total)
	if st.Error != "" {
		fmt.Printf("error: %s\n", st.Error)
	}
}
